package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "reminderd/pkg/logx"
)

// Config controls the HTTP listener.
//
// Binding to a non-loopback address without a Token is refused unless
// AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Routes registers the reminder API on mux. metrics may be nil.
func (h *Handler) Routes(mux *http.ServeMux, cfg Config, metrics http.Handler) {
	chain := Chain(Recovery(h.log), Logging(h.log), Auth(cfg.Token))

	mux.Handle("POST /v1/{key}/create", chain(http.HandlerFunc(h.Create)))
	mux.Handle("DELETE /v1/{key}/delete/{taskId}", chain(http.HandlerFunc(h.Delete)))
	mux.Handle("GET /v1/{key}/list", chain(http.HandlerFunc(h.List)))

	mux.HandleFunc("GET /healthz", Healthz)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	if cfg.Pprof {
		auth := Auth(cfg.Token)
		mux.Handle("/debug/pprof/", auth(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", auth(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", auth(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", auth(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", auth(http.HandlerFunc(hpprof.Trace)))
	}
}

// Server runs the HTTP listener; Serve is meant to run under a restart loop.
type Server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger

	mu   sync.Mutex
	addr string
}

func NewServer(cfg Config, handler http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	return &Server{cfg: cfg, handler: handler, log: log.With(logx.String("comp", "http"))}
}

// Addr returns the bound address once Serve is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.cfg
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("refusing to serve: non-loopback addr requires token or allow_insecure", logx.String("addr", cfg.Addr))
		return errors.New("http refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	}()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
