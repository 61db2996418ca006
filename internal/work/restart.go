// internal/work/restart.go
package work

import "sync/atomic"

// Restart is the advisory preemption flag a worker polls while a unit is in
// flight. Setting it means newer work is available.
type Restart struct {
	pending atomic.Bool
}

func (r *Restart) Signal() {
	r.pending.Store(true)
}

func (r *Restart) Pending() bool {
	return r.pending.Load()
}

// Clear resets the flag before a new unit is started.
func (r *Restart) Clear() {
	r.pending.Store(false)
}
