// Package debughttp serves the optional local debug endpoints: connection
// health, dispatch metrics and net/http/pprof.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"intelrelay/internal/connection"
	"intelrelay/internal/dispatch"
	rtsup "intelrelay/internal/runtime/supervisor"
	logx "intelrelay/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts net/http/pprof under PprofPrefix.
	Pprof       bool
	PprofPrefix string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Probes feed the handlers. Nil probes make their endpoint return 503.
type Probes struct {
	Connection func() connection.Info
	Metrics    func() dispatch.Snapshot
	Tasks      func() rtsup.Snapshot
}

type Service struct {
	cfg    Config
	probes Probes
	log    logx.Logger
	now    func() time.Time

	mu    sync.Mutex
	ln    net.Listener
	srv   *http.Server
	sup   *rtsup.Supervisor
	bound chan struct{}
}

func New(cfg Config, probes Probes, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	// WriteTimeout stays 0 by default: /debug/pprof/profile streams for 30s.
	return &Service{
		cfg:    cfg,
		probes: probes,
		log:    log.With(logx.String("comp", "debughttp")),
		now:    time.Now,
		bound:  make(chan struct{}),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// CheckBind reports whether cfg may listen on its address.
func CheckBind(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("debug.addr: %w", err)
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("debug.addr %q: non-loopback addr requires token or allow_insecure", addr)
	}
	return nil
}

// Run serves until ctx ends. The listener is restarted with backoff if it
// fails after a successful bind.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := CheckBind(s.cfg); err != nil {
		s.log.Error("debug server refused to start", logx.Err(err))
		return err
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("debug server running without token on non-loopback addr (insecure)", logx.String("addr", s.cfg.Addr))
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Debug endpoints are optional; never take the relay down.
		rtsup.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	<-ctx.Done()
	s.Stop(context.Background())
	return nil
}

// Addr returns the bound address, waiting for the first bind up to ctx.
func (s *Service) Addr(ctx context.Context) (string, error) {
	select {
	case <-s.bound:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return "", errors.New("debug server not listening")
	}
	return s.ln.Addr().String(), nil
}

// Stop shuts the server down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
		_ = srv.Close()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("debug listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	select {
	case <-s.bound:
	default:
		close(s.bound)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", s.cfg.Pprof),
		logx.Bool("token_set", s.cfg.Token != ""),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// Handler returns the authenticated mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(s.health))
	mux.HandleFunc("/metrics", wrap(s.metrics))
	mux.HandleFunc("/tasks", wrap(s.tasks))

	if s.cfg.Pprof {
		prefix := normalizePrefix(s.cfg.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
		mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
		})
	}
	return mux
}

// Health is the /healthz body.
type Health struct {
	Healthy        bool       `json:"healthy"`
	State          string     `json:"state"`
	Identity       string     `json:"identity,omitempty"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
	Connected      string     `json:"connected_for,omitempty"`
	Connects       int        `json:"connects"`
	Disconnects    int        `json:"disconnects"`
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	if s.probes.Connection == nil {
		http.Error(w, "no connection probe", http.StatusServiceUnavailable)
		return
	}
	info := s.probes.Connection()
	h := Health{
		Healthy:     info.State == connection.Subscribed,
		State:       info.State.String(),
		Connects:    info.Connects,
		Disconnects: info.Disconnects,
	}
	if info.Identity.ID != 0 || info.Identity.Username != "" {
		h.Identity = info.Identity.String()
	}
	if h.Healthy && !info.ConnectedSince.IsZero() {
		since := info.ConnectedSince.UTC()
		h.ConnectedSince = &since
		h.Connected = s.now().Sub(info.ConnectedSince).Truncate(time.Second).String()
	}
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Service) metrics(w http.ResponseWriter, r *http.Request) {
	if s.probes.Metrics == nil {
		http.Error(w, "no metrics probe", http.StatusServiceUnavailable)
		return
	}
	snap := s.probes.Metrics()
	writeJSON(w, http.StatusOK, struct {
		dispatch.Snapshot
		SuccessRate float64 `json:"success_rate"`
	}{snap, snap.SuccessRate()})
}

func (s *Service) tasks(w http.ResponseWriter, r *http.Request) {
	if s.probes.Tasks == nil {
		http.Error(w, "no task probe", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.probes.Tasks())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite the path
// for custom prefixes.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
