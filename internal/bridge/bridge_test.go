package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/backend"
	"proctord/internal/gate"
	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/platform"
	"proctord/internal/session"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSession struct {
	mu      sync.Mutex
	phase   session.Phase
	answers json.RawMessage
	opened  []string
	events  chan session.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan session.Event, 16)}
}

func (f *fakeSession) Enter(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key != "K-42" {
		return &gate.Error{Kind: gate.InvalidKey, Message: "Invalid private key"}
	}
	f.phase = session.Active
	return nil
}

func (f *fakeSession) Submit(ctx context.Context, answers json.RawMessage) (*backend.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != session.Active {
		return nil, session.ErrAlreadyTerminal
	}
	f.phase = session.Submitted
	if answers != nil {
		f.answers = answers
	}
	return &backend.Ack{Success: true}, nil
}

func (f *fakeSession) Exit(ctx context.Context, pw string) error {
	return &gate.Error{Kind: gate.InvalidExitPassword, Message: "Invalid exit password"}
}

func (f *fakeSession) OpenResource(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(url, "https://docs.example.edu/") {
		return session.ErrDisallowedURL
	}
	f.opened = append(f.opened, url)
	return nil
}

func (f *fakeSession) SetAnswers(answers json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = answers
	return nil
}

func (f *fakeSession) ResendSubmission(ctx context.Context) (*backend.Ack, error) {
	return nil, session.ErrNothingToResend
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Snapshot{EvaluationID: "eval-1", StudentID: "stu-1", Phase: f.phase}
}

func (f *fakeSession) Subscribe() (<-chan session.Event, func()) {
	var once sync.Once
	return f.events, func() { once.Do(func() { close(f.events) }) }
}

type harness struct {
	srv     *Server
	http    *httptest.Server
	sess    *fakeSession
	metrics *metrics.Proctor
	audit   *syncBuffer
	token   string
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m := metrics.NewProctor(metrics.NewRegistry("proctord"))
	checker := health.NewChecker()
	trail := &syncBuffer{}
	audit, err := logging.NewAuditLogger(logging.AuditLoggerConfig{Writer: trail})
	require.NoError(t, err)
	srv, err := New(Config{
		Secret:       testSecret,
		StudentID:    "stu-1",
		EvaluationID: "eval-1",
		Policy:       map[string]any{"blocked_keys": []string{"F12"}},
		Health:       checker,
		Metrics:      m,
		Audit:        audit,
	})
	require.NoError(t, err)
	checker.RegisterFunc("bridge", false, health.ConnectionCheck(srv.Clients))

	sess := newFakeSession()
	srv.Attach(sess)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		hs.Close()
	})

	tok, err := IssueToken(testSecret, "stu-1", "eval-1", time.Hour, time.Now())
	require.NoError(t, err)
	return &harness{srv: srv, http: hs, sess: sess, metrics: m, audit: trail, token: tok}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?token=" + h.token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	hello := readType(t, conn, MsgHello)
	require.Equal(t, ProtocolVersion, hello.Version)
	require.Eventually(t, func() bool { return h.srv.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

// readType reads until a message of type want arrives.
func readType(t *testing.T, conn *websocket.Conn, want MessageType) Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Outbound
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestTokens(t *testing.T) {
	now := time.Now()
	tok, err := IssueToken(testSecret, "stu-1", "eval-1", time.Hour, now)
	require.NoError(t, err)

	claims, err := ParseToken(testSecret, tok)
	require.NoError(t, err)
	assert.Equal(t, "stu-1", claims.StudentID)
	assert.Equal(t, "eval-1", claims.EvaluationID)

	_, err = ParseToken([]byte("another-secret-another-secret-00"), tok)
	assert.Error(t, err)

	expired, err := IssueToken(testSecret, "stu-1", "eval-1", time.Minute, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = ParseToken(testSecret, expired)
	assert.Error(t, err)

	_, err = IssueToken(nil, "stu-1", "eval-1", time.Hour, now)
	assert.Error(t, err)
}

func TestHTTPAuth(t *testing.T) {
	h := newHarness(t)

	get := func(path, token string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, h.http.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/status", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/api/status", "garbage").StatusCode)

	other, err := IssueToken(testSecret, "stu-2", "eval-1", time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, get("/api/status", other).StatusCode)

	resp := get("/api/status", h.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Session session.Snapshot `json:"session"`
		Clients int              `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "eval-1", body.Session.EvaluationID)
	assert.Equal(t, session.Preview, body.Session.Phase)

	assert.Equal(t, http.StatusOK, get("/api/policy", h.token).StatusCode)
	assert.Equal(t, http.StatusOK, get("/healthz", "").StatusCode)
	assert.Equal(t, http.StatusOK, get("/metrics", "").StatusCode)
}

func TestWebSocketRequiresToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventAck(t *testing.T) {
	h := newHarness(t)
	env := h.srv.Environment(nil)
	var seen []platform.Event
	var mu sync.Mutex
	env.Events.Subscribe(platform.EventKeyDown, func(e platform.Event) platform.Response {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
		return platform.Response{PreventDefault: strings.EqualFold(e.Key, "F12")}
	})
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgEvent, ID: "e1", Event: &platform.Event{Type: platform.EventKeyDown, Key: "F12"}}))
	ack := readType(t, conn, MsgAck)
	assert.Equal(t, "e1", ack.ID)
	assert.True(t, ack.PreventDefault)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgEvent, ID: "e2", Event: &platform.Event{Type: platform.EventKeyDown, Key: "a"}}))
	ack = readType(t, conn, MsgAck)
	assert.Equal(t, "e2", ack.ID)
	assert.False(t, ack.PreventDefault)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgEvent, ID: "e3", Event: &platform.Event{Type: "teleport"}}))
	ack = readType(t, conn, MsgAck)
	require.NotNil(t, ack.Error)
	assert.Equal(t, CodeBadRequest, ack.Error.Code)

	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
	assert.EqualValues(t, 2, h.metrics.DispatchDuration.Count())
}

func TestIntents(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgIntent, ID: "i1", Intent: IntentEnter, Key: "wrong"}))
	res := readType(t, conn, MsgResult)
	assert.Equal(t, "i1", res.ID)
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, "invalid_key", res.Error.Code)
	assert.Equal(t, "Invalid private key", res.Error.Message)
	assert.Equal(t, session.Preview, res.State.Phase)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgIntent, ID: "i2", Intent: IntentEnter, Key: "K-42"}))
	res = readType(t, conn, MsgResult)
	assert.True(t, res.OK)
	assert.Equal(t, session.Active, res.State.Phase)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgIntent, ID: "i3", Intent: IntentOpenURL, URL: "https://evil.example.com"}))
	res = readType(t, conn, MsgResult)
	assert.Equal(t, CodeDisallowedURL, res.Error.Code)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgIntent, ID: "i4", Intent: IntentAnswers, Answers: json.RawMessage(`{"q1":"b"}`)}))
	res = readType(t, conn, MsgResult)
	assert.True(t, res.OK)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgIntent, ID: "i5", Intent: IntentExit, Password: "nope"}))
	res = readType(t, conn, MsgResult)
	assert.Equal(t, "invalid_exit_password", res.Error.Code)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgIntent, ID: "i6", Intent: IntentSubmit}))
	res = readType(t, conn, MsgResult)
	assert.True(t, res.OK)
	assert.Equal(t, session.Submitted, res.State.Phase)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgIntent, ID: "i7", Intent: IntentSubmit}))
	res = readType(t, conn, MsgResult)
	assert.Equal(t, CodeAlreadyTerminal, res.Error.Code)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgIntent, ID: "i8", Intent: "dance"}))
	res = readType(t, conn, MsgResult)
	assert.Equal(t, CodeBadRequest, res.Error.Code)

	h.sess.mu.Lock()
	assert.JSONEq(t, `{"q1":"b"}`, string(h.sess.answers))
	h.sess.mu.Unlock()

	trail := h.audit.String()
	assert.Contains(t, trail, `"event_type":"shell_connected"`)
	assert.Contains(t, trail, `"action":"enter","result":"denied"`)
	assert.Contains(t, trail, `"action":"submit","result":"success"`)
	assert.NotContains(t, trail, `"action":"answers"`)
	assert.NotContains(t, trail, "K-42")
	assert.NotContains(t, trail, "nope")
}

func TestShellCommands(t *testing.T) {
	h := newHarness(t)
	shell := h.srv.Shell()
	ctx := context.Background()

	err := shell.RequestFullscreen(ctx)
	assert.True(t, IsUnavailable(err))
	_, err = shell.IsFullscreen(ctx)
	assert.True(t, IsUnavailable(err))

	conn := h.dial(t)

	require.NoError(t, shell.RequestFullscreen(ctx))
	cmd := readType(t, conn, MsgCommand)
	assert.Equal(t, CmdRequestFullscreen, cmd.Command)
	assert.NotEmpty(t, cmd.ID)

	require.NoError(t, shell.Pin(ctx))
	assert.Equal(t, CmdPinHistory, readType(t, conn, MsgCommand).Command)

	require.NoError(t, shell.Open(ctx, "https://docs.example.edu/a"))
	cmd = readType(t, conn, MsgCommand)
	assert.Equal(t, CmdOpenURL, cmd.Command)
	assert.Equal(t, "https://docs.example.edu/a", cmd.URL)

	ref, err := shell.Capture(ctx, "Tab switch detected")
	require.NoError(t, err)
	cmd = readType(t, conn, MsgCommand)
	assert.Equal(t, CmdCaptureEvidence, cmd.Command)
	assert.Equal(t, ref, cmd.Ref)
	assert.Equal(t, "Tab switch detected", cmd.Reason)

	require.NoError(t, shell.ExitFullscreen(ctx))
	assert.Equal(t, CmdExitFullscreen, readType(t, conn, MsgCommand).Command)

	fs, err := shell.IsFullscreen(ctx)
	require.NoError(t, err)
	assert.False(t, fs)

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgEvent, ID: "f1", Event: &platform.Event{Type: platform.EventFullscreen, Fullscreen: true}}))
	readType(t, conn, MsgAck)
	fs, err = shell.IsFullscreen(ctx)
	require.NoError(t, err)
	assert.True(t, fs)
}

func TestStatePush(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	h.sess.events <- session.Event{Type: session.EventTick, Phase: session.Active, RemainingSeconds: 299}
	msg := readType(t, conn, MsgState)
	require.NotNil(t, msg.Event)
	assert.Equal(t, session.EventTick, msg.Event.Type)
	assert.EqualValues(t, 299, msg.Event.RemainingSeconds)
}

func TestNewConnectionReplacesOld(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t)
	second := h.dial(t)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 1, h.srv.Clients())

	require.NoError(t, h.srv.Shell().Pin(context.Background()))
	assert.Equal(t, CmdPinHistory, readType(t, second, MsgCommand).Command)
	assert.EqualValues(t, 1, h.metrics.BridgeClients.Value())
}

func TestErrorBody(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&gate.Error{Kind: gate.NotOpen, Message: "Evaluation has expired"}, "not_open"},
		{&session.SubmitError{SubmissionID: "s1", Err: backend.ErrRejected}, CodeSubmitFailed},
		{session.ErrNotActive, CodeNotActive},
		{session.ErrAlreadyEntered, CodeAlreadyEntered},
		{session.ErrInvalidAnswers, CodeBadRequest},
		{errNoSession, CodeNoSession},
		{context.DeadlineExceeded, CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, errorBody(tt.err).Code, tt.err.Error())
	}
	assert.Nil(t, errorBody(nil))
}
