// internal/work/source.go
// Work sources and the submission sink the miner forwards shares to
package work

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Source hands out fresh work units. Next blocks until one is available or ctx
// is done.
type Source interface {
	Next(ctx context.Context) (*Unit, error)
}

// Sink receives candidate nonces. Submit must not block the caller for long.
type Sink interface {
	Submit(u *Unit, nonce uint32)
}

const (
	headerVersion = 0x20000000
	headerBits    = 0x1d00ffff
)

// Generator is a self-contained benchmark source. Every unit rolls ntime so the
// device never sees the same header twice, and Run publishes a new block on a
// fixed interval, preempting every subscribed worker.
type Generator struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	block    uint64
	seq      uint64
	ntime    uint32
	restarts []*Restart
}

// NewGenerator creates a benchmark source publishing a new block every interval.
func NewGenerator(interval time.Duration) *Generator {
	return &Generator{
		interval: interval,
		now:      time.Now,
	}
}

// Subscribe registers a preemption flag signalled on every new block.
func (g *Generator) Subscribe(r *Restart) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restarts = append(g.restarts, r)
}

// Next builds the next unit for the current block.
func (g *Generator) Next(ctx context.Context) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint32(g.now().Unix())
	if now > g.ntime {
		g.ntime = now
	} else {
		g.ntime++
	}
	g.seq++

	return NewUnit(g.seq, g.header(g.block, g.ntime))
}

// Publish starts a new block and signals every subscriber.
func (g *Generator) Publish() {
	g.mu.Lock()
	g.block++
	restarts := append([]*Restart(nil), g.restarts...)
	g.mu.Unlock()

	for _, r := range restarts {
		r.Signal()
	}
}

// Run publishes blocks until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	if g.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Publish()
		}
	}
}

func (g *Generator) header(block uint64, ntime uint32) []byte {
	header := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint32(header[0:4], headerVersion)

	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], block)
	prev := sha256.Sum256(seed[:])
	copy(header[4:36], prev[:])
	merkle := sha256.Sum256(prev[:])
	copy(header[36:68], merkle[:])

	binary.LittleEndian.PutUint32(header[68:72], ntime)
	binary.LittleEndian.PutUint32(header[72:76], headerBits)
	return header
}

// LogSink logs every submission and keeps accepted/rejected tallies using the
// oracle as the pool would.
type LogSink struct {
	oracle   Oracle
	log      logrus.FieldLogger
	accepted atomic.Uint64
	rejected atomic.Uint64
}

func NewLogSink(oracle Oracle, log logrus.FieldLogger) *LogSink {
	return &LogSink{oracle: oracle, log: log}
}

func (s *LogSink) Submit(u *Unit, nonce uint32) {
	if Verify(s.oracle, u, nonce) {
		s.accepted.Add(1)
		s.log.WithFields(logrus.Fields{"work": u.ID, "nonce": nonce}).Info("share accepted")
		return
	}
	s.rejected.Add(1)
	s.log.WithFields(logrus.Fields{"work": u.ID, "nonce": nonce}).Warn("share rejected")
}

func (s *LogSink) Accepted() uint64 { return s.accepted.Load() }
func (s *LogSink) Rejected() uint64 { return s.rejected.Load() }
