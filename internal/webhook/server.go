// Package webhook serves the invocation contract over HTTP: the host POSTs
// {definition, state, context} and receives {output, state}.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/logging"
	"github.com/picklr-io/reconcilr/internal/provider"
	"github.com/picklr-io/reconcilr/internal/telemetry"
)

// maxBody caps request bodies.
const maxBody = 4 << 20

// Config holds listener settings.
type Config struct {
	Addr     string `yaml:"addr" json:"addr" validate:"required"`
	GRPCAddr string `yaml:"grpcAddr" json:"grpcAddr"`
}

// Server answers invocations for every adapter in a registry.
type Server struct {
	registry *provider.Registry
	metrics  *telemetry.Metrics
	health   *health.Server
}

// NewServer returns a server over registry. metrics may be nil.
func NewServer(registry *provider.Registry, metrics *telemetry.Metrics) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{
		registry: registry,
		metrics:  metrics,
		health:   hs,
	}
}

// errorResponse is returned with every non-200 answer. State is what the
// host should persist.
type errorResponse struct {
	Error  string    `json:"error"`
	Class  string    `json:"class"`
	Output []string  `json:"output,omitempty"`
	State  *ir.State `json:"state,omitempty"`
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke/{adapter}", s.invoke)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("adapter")
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", id)
	log := logging.With("request_id", id, "adapter", name)

	if !slices.Contains(s.registry.Types(), name) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: fmt.Sprintf("unknown adapter type %q", name),
			Class: fault.Configuration.String(),
		})
		return
	}

	var inv ir.Invocation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&inv); err != nil {
		log.Debug("rejecting malformed invocation", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("invalid invocation body: %v", err),
			Class: fault.Parse.String(),
		})
		return
	}

	ctrl, err := s.registry.Controller(r.Context(), name)
	if err != nil {
		s.fail(w, log, err, ir.Response{State: &inv.State})
		return
	}

	resp, err := ctrl.Handle(r.Context(), inv)
	if err != nil {
		s.fail(w, log, err, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail maps an invocation error to a status: retryable errors are 503 so
// the host invokes again, everything else is 422.
func (s *Server) fail(w http.ResponseWriter, log *slog.Logger, err error, resp ir.Response) {
	status := http.StatusUnprocessableEntity
	if fault.Retryable(err) {
		status = http.StatusServiceUnavailable
		var fe *fault.Error
		if errors.As(err, &fe) && fe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((fe.RetryAfter+time.Second-1)/time.Second)))
		}
		log.Debug("invocation not settled", "error", err)
	} else {
		log.Warn("invocation failed", "error", err)
	}

	writeJSON(w, status, errorResponse{
		Error:  err.Error(),
		Class:  fault.ClassOf(err).String(),
		Output: resp.Output,
		State:  resp.State,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to write response", "error", err)
	}
}

// Serve listens on cfg.Addr, and on cfg.GRPCAddr for grpc.health.v1 when
// set, until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, cfg Config) error {
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	var lis net.Listener
	if cfg.GRPCAddr != "" {
		var err error
		lis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("serving invocations", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcServer != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			logging.Info("serving grpc health", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
