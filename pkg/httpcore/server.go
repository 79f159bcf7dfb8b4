// Package httpcore provides the collector's HTTP server, CLI flags, middleware
// chain and response helpers.
package httpcore

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// DefaultRequestLogSize is the number of requests kept for /admin/requests.
const DefaultRequestLogSize = 1000

// Config holds the server configuration parsed from CLI flags.
type Config struct {
	Port           int
	Latency        time.Duration
	FailRate       float64
	SeedFile       string
	ConfigFile     string
	Verbose        bool
	RequestLogSize int
	Name           string // used in logs and /admin/config
}

// ParseFlags parses the common flags from args (normally os.Args[1:]).
// PORT from the environment is used when -port is not given.
func ParseFlags(name string, args []string) (*Config, error) {
	cfg := &Config{Name: name}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 0, "HTTP listen port")
	fs.DurationVar(&cfg.Latency, "latency", 0, "Base simulated latency")
	fs.Float64Var(&cfg.FailRate, "fail-rate", 0.0, "Random failure rate 0.0-1.0")
	fs.StringVar(&cfg.SeedFile, "seed-file", "", "Path to JSON fixture for the captured event history")
	fs.StringVar(&cfg.ConfigFile, "config", "", "Path to YAML or JSON config file")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Enable request/response logging")
	fs.IntVar(&cfg.RequestLogSize, "request-log-size", DefaultRequestLogSize, "Requests kept for /admin/requests")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Port == 0 {
		if p := os.Getenv("PORT"); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("invalid PORT %q: %w", p, err)
			}
			cfg.Port = port
		}
	}
	if cfg.FailRate < 0 || cfg.FailRate > 1 {
		return nil, fmt.Errorf("fail-rate must be between 0.0 and 1.0")
	}
	return cfg, nil
}

// NewLogger returns the JSON logger used throughout the collector.
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// Server wraps a chi router with the common middleware stack.
type Server struct {
	Config *Config
	Router *chi.Mux
	Logger *slog.Logger
	mw     *Middleware
}

// New creates a Server for cfg.
func New(cfg *Config) *Server {
	return NewWithLogger(cfg, NewLogger(cfg.Verbose))
}

// NewWithLogger creates a Server that logs to logger.
func NewWithLogger(cfg *Config, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	mw := NewMiddleware(cfg, logger)

	// Latency and random failures are always mounted; they check the live
	// settings so /admin/config changes apply immediately.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.CORS)
	r.Use(mw.RequestLog)
	r.Use(mw.LatencyInjection)
	r.Use(mw.RandomFailure)

	return &Server{
		Config: cfg,
		Router: r,
		Logger: logger,
		mw:     mw,
	}
}

// Middleware returns the middleware instance (fault registry, request log).
func (s *Server) Middleware() *Middleware {
	return s.mw
}

// GetConfig returns the runtime configuration. It implements
// admin.ConfigProvider.
func (s *Server) GetConfig() map[string]any {
	live := s.mw.Settings()
	return map[string]any{
		"name":      s.Config.Name,
		"port":      s.Config.Port,
		"latency":   live.Latency.String(),
		"fail_rate": live.FailRate,
		"verbose":   live.Verbose,
	}
}

// UpdateConfig applies runtime configuration changes. Only latency,
// fail_rate and verbose can change; every key is validated before any is
// applied.
func (s *Server) UpdateConfig(updates map[string]any) error {
	next := s.mw.Settings()
	for k, v := range updates {
		switch k {
		case "latency":
			str, ok := v.(string)
			if !ok {
				return errors.New("latency must be a duration string")
			}
			d, err := time.ParseDuration(str)
			if err != nil {
				return fmt.Errorf("invalid latency duration: %w", err)
			}
			if d < 0 {
				return errors.New("latency must not be negative")
			}
			next.Latency = d
		case "fail_rate":
			f, ok := v.(float64)
			if !ok {
				return errors.New("fail_rate must be a number")
			}
			if f < 0 || f > 1 {
				return errors.New("fail_rate must be between 0.0 and 1.0")
			}
			next.FailRate = f
		case "verbose":
			b, ok := v.(bool)
			if !ok {
				return errors.New("verbose must be a boolean")
			}
			next.Verbose = b
		case "name", "port":
			return fmt.Errorf("%s cannot be changed at runtime", k)
		default:
			return fmt.Errorf("unknown config key: %s", k)
		}
	}
	s.mw.SetSettings(next)
	return nil
}

// Serve listens on the configured port until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Config.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: /admin/events/next holds the response open while
		// it waits for an event.
		IdleTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.Logger.Info("starting collector", "name", s.Config.Name, "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("shutting down collector", "name", s.Config.Name)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ServeHTTP implements http.Handler so a Server can be used directly in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	TypedError(w, status, http.StatusText(status), message)
}

// TypedError writes a JSON error response with an explicit error type.
func TypedError(w http.ResponseWriter, status int, errType, message string) {
	JSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}
