package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/authentication"
	"github.com/nengo/nengo-gui/logger"
	"github.com/nengo/nengo-gui/message"
	"github.com/nengo/nengo-gui/model"
	"github.com/nengo/nengo-gui/protocol"
	"github.com/nengo/nengo-gui/sys"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/nengo/nengo-gui/server"

// Server accepts GUI clients and connects them to model contexts.
type Server struct {
	logger   logger.Logger
	cfg      Config
	gate     *authentication.Gate
	failures *authentication.Budget
	names    []string
	contexts map[string]*model.Context
	lanes    map[string]*lane
	store    *sessionStore
	tracer   trace.Tracer

	mu       sync.Mutex
	listener net.Listener
	url      string
	http     *http.Server
	started  time.Time

	running  atomic.Bool
	closing  atomic.Bool
	trackMu  sync.RWMutex
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

type Option func(*Server)

// WithContext serves an additional model context. Clients select it with ?context=name.
func WithContext(name string, mctx *model.Context) Option {
	return func(s *Server) {
		if _, ok := s.contexts[name]; !ok {
			s.names = append(s.names, name)
		}
		s.contexts[name] = mctx
	}
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// New returns a server for mctx, registered as the default context. Nothing is loaded
// or bound until Start.
func New(log logger.Logger, cfg Config, mctx *model.Context, opts ...Option) *Server {
	s := &Server{
		logger:   log.WithPrefix("[server]"),
		cfg:      cfg,
		gate:     authentication.NewGate(cfg.Password),
		failures: authentication.NewBudget(cfg.MaxAuthFailures, cfg.AuthLockout),
		names:    []string{DefaultContext},
		contexts: map[string]*model.Context{DefaultContext: mctx},
		lanes:    make(map[string]*lane),
		store:    newSessionStore(),
		tracer:   otel.Tracer(tracerName),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads every context, binds the listener and begins accepting clients. A
// model that fails to load aborts startup before anything is bound.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() || s.http != nil {
		return errors.New("server cannot be started again")
	}

	models, err := s.loadAll(ctx)
	if err != nil {
		return err
	}

	addr := s.cfg.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "listening on %s", addr), ErrBind)
	}
	s.listener = ln
	s.url = browserURL(s.cfg.BindHost(), ln.Addr())

	for i, name := range s.names {
		l := newLane(name, s.contexts[name], models[i], s.cfg, s.logger, s.tracer)
		s.lanes[name] = l
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			l.run()
		}()
	}

	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed: %v", err)
		}
	}()

	if s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.reap()
	}

	s.started = time.Now()
	s.running.Store(true)
	if s.cfg.Password == "" && !sys.IsLocalhost(s.cfg.BindHost()) {
		s.logger.Warn("listening on %s without a password", s.cfg.BindHost())
	}
	s.logger.Info("serving %d context(s) at %s", len(s.names), s.url)
	return nil
}

func (s *Server) loadAll(ctx context.Context) ([]*model.Model, error) {
	models := make([]*model.Model, len(s.names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range s.names {
		mctx := s.contexts[name]
		if mctx == nil {
			return nil, errors.Newf("context %q has no model", name)
		}
		g.Go(func() error {
			m, err := mctx.Get(gctx)
			if err != nil {
				return errors.Wrapf(err, "loading context %q", name)
			}
			models[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return models, nil
}

// Stop refuses new clients, says goodbye to every session, gives the command in
// progress on each lane ShutdownGrace to finish before cancelling it and waits for all
// server goroutines. It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.trackMu.Lock()
		s.closing.Store(true)
		s.trackMu.Unlock()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.http == nil {
			return
		}
		close(s.quit)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if e := s.http.Shutdown(ctx); e != nil {
			err = errors.Wrap(e, "shutting down http server")
			_ = s.http.Close()
		}

		s.store.closeAll(protocol.Bye("server shutting down"))
		// lanes share one grace period rather than waiting on each other
		var lanes sync.WaitGroup
		for _, name := range s.names {
			l := s.lanes[name]
			lanes.Add(1)
			go func() {
				defer lanes.Done()
				l.close()
			}()
		}
		lanes.Wait()
		s.wg.Wait()
		s.running.Store(false)
		s.logger.Info("stopped")
	})
	return err
}

// Running reports whether the server is accepting clients.
func (s *Server) Running() bool {
	return s.running.Load() && !s.closing.Load()
}

// Addr is the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL is the address a local browser should open, or empty before Start.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// browserURL points at host on the bound port, with wildcard hosts replaced by localhost.
func browserURL(host string, addr net.Addr) string {
	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return (&url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/"}).String()
}

// track registers a connection handler with the wait group unless the server is closing.
func (s *Server) track() bool {
	s.trackMu.RLock()
	defer s.trackMu.RUnlock()
	if s.closing.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) reap() {
	defer s.wg.Done()
	interval := s.cfg.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			if n := s.store.closeIdle(now, s.cfg.IdleTimeout); n > 0 {
				s.logger.Debug("closed %d idle session(s)", n)
			}
		}
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	ws := websocket.Server{
		Handshake: s.handshake,
		Handler:   s.handleSocket,
	}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.closing.Load() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if !s.withinBudget(w, r) {
			return
		}
		if s.laneFor(r.URL.Query()) == nil {
			http.Error(w, "unknown context", http.StatusNotFound)
			return
		}
		if _, err := s.codecFor(r.URL.Query()); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ws.ServeHTTP(w, r)
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

func (s *Server) laneFor(query url.Values) *lane {
	name := query.Get("context")
	if name == "" {
		name = DefaultContext
	}
	return s.lanes[name]
}

func (s *Server) codecFor(query url.Values) (protocol.Codec, error) {
	name := query.Get("codec")
	if name == "" {
		name = s.cfg.Codec
	}
	return protocol.CodecByName(name)
}

// handshake rejects cross-site browser connections. Clients that send no Origin
// header are not browsers and are left to the password check.
func (s *Server) handshake(config *websocket.Config, req *http.Request) error {
	origin, err := websocket.Origin(config, req)
	if err != nil {
		return err
	}
	if origin != nil && origin.Host != req.Host && !(sys.IsLocalhost(origin.Host) && sys.IsLocalhost(req.Host)) {
		return errors.Newf("cross-origin connection from %s refused", origin.Host)
	}
	config.Origin = origin
	return nil
}

func (s *Server) handleSocket(conn *websocket.Conn) {
	if !s.track() {
		_ = conn.Close()
		return
	}
	defer s.wg.Done()

	conn.MaxPayloadBytes = maxFrameBytes
	req := conn.Request()
	l := s.laneFor(req.URL.Query())
	codec, err := s.codecFor(req.URL.Query())
	if l == nil || err != nil {
		_ = conn.Close()
		return
	}

	attempts := s.gate.NewAttempts(s.cfg.MaxAuthFailures).WithBudget(s.failures, remoteHost(req))
	sess := newSession(conn, codec, l, attempts, s.cfg.OutboundQueue, s.logger)
	if !s.store.add(sess) {
		_ = conn.Close()
		return
	}
	defer s.store.remove(sess.id)
	defer l.subscribe(sess, false)

	go sess.writeLoop()

	authRequired := s.gate.Required()
	if password, ok := authentication.PasswordFromHeaders(req.Header); ok && authRequired {
		authRequired = sess.attempts.Try(password) != nil
	}
	sess.logger.Debug("connected from %s to context %q (codec %s)", req.RemoteAddr, l.name, codec.Name())
	sess.open(authRequired)
	sess.readLoop(s.cfg.AuthTimeout)
	sess.close("connection closed")
	<-sess.writerDone
	sess.logger.Debug("disconnected")
}

// withinBudget answers 429 when the client's host has used up its rejected passwords.
func (s *Server) withinBudget(w http.ResponseWriter, r *http.Request) bool {
	if !s.gate.Required() {
		return true
	}
	host := remoteHost(r)
	if !s.failures.Exhausted(host) {
		return true
	}
	s.logger.Debug("refusing %s %s from %s: too many authentication failures", r.Method, r.URL.Path, host)
	if wait := s.failures.RetryAfter(host); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	}
	http.Error(w, "too many authentication failures", http.StatusTooManyRequests)
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.closing.Load() {
		_ = message.UnavailableResponse(w)
		return
	}
	if r.URL.Path != "/" {
		_ = message.NotFoundResponse(w)
		return
	}
	l := s.laneFor(r.URL.Query())
	if l == nil {
		_ = message.NotFoundResponse(w)
		return
	}
	title := "nengo"
	if m := l.current.Load(); m != nil {
		title = m.Name
	}
	if err := message.IndexResponse(w, message.IndexData{
		Title:        title,
		Heading:      title,
		SocketPath:   "/ws",
		AuthRequired: s.gate.Required(),
	}); err != nil {
		s.logger.Error("rendering index: %v", err)
	}
}
