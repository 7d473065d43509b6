// Package bridge connects the exam shell to the daemon.
//
// The shell holds a token bound to the attempt and opens a WebSocket on /ws.
// Over it the shell forwards raw platform events, which are dispatched to
// the sensors and answered with an ack carrying the suppression verdict, and
// user intents, which are applied to the session in arrival order and
// answered with a result. The daemon pushes commands (fullscreen, history
// pinning, evidence capture, opening resources) and session state.
//
// The HTTP side also serves /api/status, /api/policy, /healthz, /readyz and
// /metrics.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"proctord/internal/backend"
	"proctord/internal/gate"
	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/platform"
	"proctord/internal/session"
)

// Session is the part of *session.Session the bridge drives.
type Session interface {
	Enter(ctx context.Context, privateKey string) error
	Submit(ctx context.Context, answers json.RawMessage) (*backend.Ack, error)
	Exit(ctx context.Context, exitPassword string) error
	OpenResource(ctx context.Context, url string) error
	SetAnswers(answers json.RawMessage) error
	ResendSubmission(ctx context.Context) (*backend.Ack, error)
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Event, func())
}

// Config configures a Server.
type Config struct {
	Listen         string
	Secret         []byte
	StudentID      string
	EvaluationID   string
	AllowedOrigins []string

	// Policy is served as-is on /api/policy.
	Policy any

	// IntentTimeout bounds one intent, including backend calls.
	IntentTimeout time.Duration

	Health  *health.Checker
	Metrics *metrics.Proctor
	Audit   *logging.AuditLogger
	Crash   *logging.CrashHandler
	Logger  *logging.Logger
}

// Server is the bridge endpoint.
type Server struct {
	cfg          Config
	secret       []byte
	studentID    string
	evaluationID string

	events *platform.Dispatcher
	hub    *hub
	shell  *Shell

	upgrader websocket.Upgrader
	router   *gin.Engine
	logger   *logging.Logger
	audit    *logging.AuditLogger
	crash    *logging.CrashHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	session     Session
	unsubscribe func()
	http        *http.Server
}

// New creates a Server. Attach a session before the shell connects.
func New(cfg Config) (*Server, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("bridge: token secret is required")
	}
	if cfg.StudentID == "" || cfg.EvaluationID == "" {
		return nil, errors.New("bridge: student and evaluation are required")
	}
	if cfg.IntentTimeout <= 0 {
		cfg.IntentTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("bridge")
	crash := cfg.Crash
	if crash == nil {
		crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{Logger: logger})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		secret:       cfg.Secret,
		studentID:    cfg.StudentID,
		evaluationID: cfg.EvaluationID,
		events:       platform.NewDispatcher(),
		logger:       logger,
		audit:        cfg.Audit,
		crash:        crash,
		ctx:          ctx,
		cancel:       cancel,
	}
	s.hub = &hub{}
	if cfg.Metrics != nil {
		s.hub.onCount = func(n int) { cfg.Metrics.BridgeClients.Set(int64(n)) }
	}
	s.shell = &Shell{hub: s.hub}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s, nil
}

// Environment returns the platform collaborators backed by the shell.
func (s *Server) Environment(locator platform.Locator) platform.Environment {
	if locator == nil {
		locator = platform.NoLocator{}
	}
	return platform.Environment{
		Events:   s.events,
		Display:  s.shell,
		History:  s.shell,
		Opener:   s.shell,
		Capturer: s.shell,
		Locator:  locator,
	}
}

// Shell returns the shell command surface.
func (s *Server) Shell() *Shell { return s.shell }

// Attach routes intents to sess and pushes its events to the shell.
func (s *Server) Attach(sess Session) {
	events, unsubscribe := sess.Subscribe()

	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.session = sess
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.crash.Go("bridge-state", func() {
		for e := range events {
			if e.Type == session.EventPhase {
				s.audit.LogPhase(s.ctx, e.Phase.String(), e.Reason)
			}
			if err := s.hub.send(Outbound{Type: MsgState, Event: &e}); err != nil && !errors.Is(err, errNoShell) {
				s.logger.Warn("state push failed", "error", err)
			}
		}
	})
}

func (s *Server) current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Clients returns the number of connected shells.
func (s *Server) Clients() int { return s.hub.clients() }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.requestLogger())

	if h := s.cfg.Health; h != nil {
		r.GET("/healthz", h.LivenessHandler())
		r.GET("/readyz", h.ReadinessHandler())
	}
	if m := s.cfg.Metrics; m != nil {
		r.GET("/metrics", m.Registry().Handler())
	}

	authed := r.Group("/", s.authMiddleware())
	authed.GET("/ws", s.handleWS)
	authed.GET("/api/status", s.handleStatus)
	authed.GET("/api/policy", s.handlePolicy)
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.Warn("bridge origin rejected", "origin", origin)
	return false
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.crash.HandlePanic(r, map[string]string{"task": "bridge-http", "path": c.FullPath()})
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), reqID))
		c.Header("X-Request-ID", reqID)
		c.Next()
		s.logger.WithRequestID(reqID).Debug("bridge request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	sess := s.current()
	if sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorBody(errNoSession)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": sess.Snapshot(),
		"clients": s.hub.clients(),
	})
}

func (s *Server) handlePolicy(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Policy)
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := newClient(uuid.NewString(), c.ClientIP(), conn, s.logger.With("client", c.ClientIP()))
	s.shell.reset()
	s.hub.register(cl)
	s.logger.Info("shell connected", "client_id", cl.id)
	s.audit.LogConnection(c.Request.Context(), cl.id, cl.addr)

	hello := Outbound{Type: MsgHello, Version: ProtocolVersion}
	if sess := s.current(); sess != nil {
		snap := sess.Snapshot()
		hello.State = &snap
	}
	cl.send(hello)

	intents := make(chan Inbound, sendBuffer)
	s.crash.Go("bridge-write", cl.writePump)
	s.crash.Go("bridge-intents", func() {
		for msg := range intents {
			s.handleIntent(cl, msg)
		}
	})

	defer func() {
		close(intents)
		s.hub.unregister(cl)
		s.logger.Info("shell disconnected", "client_id", cl.id)
	}()
	defer s.crash.RecoverGoroutine("bridge-read")

	cl.readPump(func(msg Inbound) {
		switch msg.Type {
		case MsgEvent:
			s.handleEvent(cl, msg)
		case MsgIntent:
			select {
			case intents <- msg:
			default:
				cl.send(Outbound{Type: MsgResult, ID: msg.ID, Error: &ErrorBody{Code: CodeBadRequest, Message: "too many pending requests"}})
			}
		case MsgCommandResult:
			if !msg.OK {
				s.logger.Warn("shell command failed", "command_id", msg.ID, "error", msg.Error)
			}
		default:
			cl.send(Outbound{Type: MsgError, ID: msg.ID, Error: &ErrorBody{
				Code:    CodeBadRequest,
				Message: fmt.Sprintf("unknown message type %q", msg.Type),
			}})
		}
	})
}

// handleEvent dispatches one platform event and acks it with the verdict.
func (s *Server) handleEvent(cl *client, msg Inbound) {
	if msg.Event == nil {
		cl.send(Outbound{Type: MsgAck, ID: msg.ID, Error: &ErrorBody{Code: CodeBadRequest, Message: "missing event"}})
		return
	}
	e := *msg.Event
	if err := e.Validate(); err != nil {
		cl.send(Outbound{Type: MsgAck, ID: msg.ID, Error: &ErrorBody{Code: CodeBadRequest, Message: err.Error()}})
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Type == platform.EventFullscreen {
		s.shell.observe(e.Fullscreen)
	}

	start := time.Now()
	resp := s.events.Dispatch(e)
	if m := s.cfg.Metrics; m != nil {
		m.DispatchDuration.Since(start)
	}
	cl.send(Outbound{Type: MsgAck, ID: msg.ID, OK: true, PreventDefault: resp.PreventDefault})
}

// handleIntent applies one intent and answers with a result. Secrets in the
// message are never logged.
func (s *Server) handleIntent(cl *client, msg Inbound) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.IntentTimeout)
	defer cancel()

	data, err := s.applyIntent(ctx, msg)
	out := Outbound{Type: MsgResult, ID: msg.ID, OK: err == nil, Data: data, Error: errorBody(err)}
	if sess := s.current(); sess != nil {
		snap := sess.Snapshot()
		out.State = &snap
	}
	if err != nil {
		s.logger.Info("intent refused", "intent", msg.Intent, "code", out.Error.Code)
	}
	s.auditIntent(ctx, cl, msg.Intent, out.Error)
	cl.send(out)
}

// auditIntent records intents that change or probe the attempt. Answer
// autosaves and status polls are too frequent to audit.
func (s *Server) auditIntent(ctx context.Context, cl *client, intent Intent, body *ErrorBody) {
	if intent == IntentAnswers || intent == IntentStatus {
		return
	}
	result, code := logging.AuditSuccess, ""
	if body != nil {
		code = body.Code
		result = logging.AuditFailure
		if code == gate.InvalidKey.String() || code == gate.InvalidExitPassword.String() {
			result = logging.AuditDenied
		}
	}
	s.audit.LogIntent(ctx, string(intent), result, code, cl.addr)
}

func (s *Server) applyIntent(ctx context.Context, msg Inbound) (any, error) {
	sess := s.current()
	if sess == nil {
		return nil, errNoSession
	}
	switch msg.Intent {
	case IntentEnter:
		return nil, sess.Enter(ctx, msg.Key)
	case IntentSubmit:
		ack, err := sess.Submit(ctx, msg.Answers)
		if err != nil {
			return nil, err
		}
		return ack, nil
	case IntentExit:
		return nil, sess.Exit(ctx, msg.Password)
	case IntentOpenURL:
		if msg.URL == "" {
			return nil, fmt.Errorf("%w: url is required", errBadRequest)
		}
		return nil, sess.OpenResource(ctx, msg.URL)
	case IntentAnswers:
		if len(msg.Answers) == 0 {
			return nil, fmt.Errorf("%w: answers are required", errBadRequest)
		}
		return nil, sess.SetAnswers(msg.Answers)
	case IntentResend:
		ack, err := sess.ResendSubmission(ctx)
		if err != nil {
			return nil, err
		}
		return ack, nil
	case IntentStatus:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown intent %q", errBadRequest, msg.Intent)
	}
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", s.cfg.Listen, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("bridge listening", "addr", ln.Addr().String())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown disconnects the shell and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.closeAll()

	s.mu.Lock()
	srv := s.http
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
