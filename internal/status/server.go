// internal/status/server.go
// HTTP status API, Prometheus scrape endpoint and gRPC health service
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ztexminer/internal/hostinfo"
	"ztexminer/internal/miner"
)

// ServicePrefix prefixes the per-slice gRPC health service names.
const ServicePrefix = "ztex."

// Provider supplies the slice snapshots served by the status API.
type Provider interface {
	Snapshots() []miner.Snapshot
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Slices  int               `json:"slices"`
	Enabled int               `json:"enabled"`
	Uptime  string            `json:"uptime"`
	Host    hostinfo.Snapshot `json:"host"`
	Lines   []string          `json:"statlines,omitempty"`
}

type Server struct {
	provider  Provider
	host      *hostinfo.Collector
	log       logrus.FieldLogger
	startTime time.Time

	router *gin.Engine
	health *health.Server
}

func NewServer(p Provider, host *hostinfo.Collector, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		provider:  p,
		host:      host,
		log:       log,
		startTime: time.Now(),
		health:    health.NewServer(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/slices", s.handleSlices)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
	s.SyncHealth()
	return s
}

// Handler exposes the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health exposes the gRPC health implementation.
func (s *Server) Health() *health.Server {
	return s.health
}

// SyncHealth publishes slice states to the gRPC health service. The overall
// service ("") serves while at least one slice is enabled.
func (s *Server) SyncHealth() {
	enabled := 0
	for _, snap := range s.provider.Snapshots() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if snap.State == miner.StateEnabled.String() {
			st = healthpb.HealthCheckResponse_SERVING
			enabled++
		}
		s.health.SetServingStatus(ServicePrefix+snap.Name, st)
	}
	if enabled > 0 {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	snaps := s.provider.Snapshots()
	enabled := 0
	var lines []string
	for _, snap := range snaps {
		if line := snap.Statline(); line != "" {
			enabled++
			lines = append(lines, line)
		}
	}

	status := "healthy"
	switch {
	case enabled == 0:
		status = "down"
	case enabled < len(snaps):
		status = "degraded"
	}

	resp := HealthResponse{
		Status:  status,
		Slices:  len(snaps),
		Enabled: enabled,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Lines:   lines,
	}
	if s.host != nil {
		resp.Host = s.host.Collect(c.Request.Context())
	}

	code := http.StatusOK
	if enabled == 0 {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) handleSlices(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Snapshots())
}

// Run serves HTTP on httpAddr and gRPC on grpcAddr until ctx is done. An empty
// address disables that listener. Health states are refreshed every interval.
func (s *Server) Run(ctx context.Context, httpAddr, grpcAddr string, interval time.Duration) error {
	var lis net.Listener
	if grpcAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", grpcAddr); err != nil {
			return fmt.Errorf("listen %s: %w", grpcAddr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if httpAddr != "" {
		srv := &http.Server{
			Addr:              httpAddr,
			Handler:           s.router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.log.WithField("addr", httpAddr).Info("status API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if lis != nil {
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
		reflection.Register(grpcServer)

		g.Go(func() error {
			s.log.WithField("addr", lis.Addr().String()).Info("gRPC health listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			s.health.Shutdown()
			grpcServer.GracefulStop()
			return nil
		})
	}

	if interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.SyncHealth()
				}
			}
		})
	}

	return g.Wait()
}
