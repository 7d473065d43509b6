package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/logging"
)

const sessionInfoBody = `{
  "success": true,
  "data": {
    "evaluationId": "eval-1",
    "name": "Midterm",
    "courseId": "c-9",
    "startTime": 1767258000000,
    "durationMinutes": 60,
    "endTime": 1767265200000,
    "weightage": 20,
    "maxScore": 100,
    "allowedUrls": ["https://docs.python.org"],
    "status": "ONGOING"
  }
}`

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), Logger: logging.Discard()})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestSessionInfo(t *testing.T) {
	var gotRequestID string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/evaluation/eval-1", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		gotRequestID = r.Header.Get("X-Request-ID")
		io.WriteString(w, sessionInfoBody)
	}))

	info, err := c.SessionInfo(context.Background(), "eval-1")
	require.NoError(t, err)
	assert.Equal(t, "Midterm", info.Name)
	assert.Equal(t, 60, info.DurationMinutes)
	assert.Equal(t, StatusOngoing, info.Status)
	assert.True(t, info.Open())
	assert.Equal(t, []string{"https://docs.python.org"}, info.AllowedURLs)
	assert.Equal(t, time.UnixMilli(1767265200000), info.EndTime.Time)
	assert.NotEmpty(t, gotRequestID)
}

func TestSessionInfoSchemaViolation(t *testing.T) {
	tests := map[string]string{
		"missing data":     `{"success": true}`,
		"bad status":       strings.Replace(sessionInfoBody, `"ONGOING"`, `"RUNNING"`, 1),
		"zero duration":    strings.Replace(sessionInfoBody, `"durationMinutes": 60`, `"durationMinutes": 0`, 1),
		"urls not strings": strings.Replace(sessionInfoBody, `["https://docs.python.org"]`, `[42]`, 1),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			}))
			_, err := c.SessionInfo(context.Background(), "eval-1")
			assert.ErrorIs(t, err, ErrInvalidResponse)
		})
	}
}

func TestEpochTimeSecondsAndMillis(t *testing.T) {
	var v struct {
		A EpochTime `json:"a"`
		B EpochTime `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 1767265200, "b": 1767265200000}`), &v))
	assert.True(t, v.A.Equal(v.B.Time))

	out, err := json.Marshal(v.A)
	require.NoError(t, err)
	assert.Equal(t, "1767265200000", string(out))
}

func TestEnterTrimsKeyAndClassifiesRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req EnterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "stu-1", req.StudentID)
		if req.PrivateKey == "K-123" {
			io.WriteString(w, `{"success": true, "data": {"evaluationId": "eval-1"}}`)
			return
		}
		io.WriteString(w, `{"success": false, "message": "Invalid private key"}`)
	}))

	res, err := c.Enter(context.Background(), EnterRequest{StudentID: "stu-1", PrivateKey: "  K-123\n"})
	require.NoError(t, err)
	assert.Equal(t, "eval-1", res.EvaluationID)

	_, err = c.Enter(context.Background(), EnterRequest{StudentID: "stu-1", PrivateKey: "nope"})
	require.ErrorIs(t, err, ErrRejected)
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "Invalid private key", rej.Message)
	assert.False(t, IsTransient(err))
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		rejected  bool
		transient bool
	}{
		{http.StatusUnauthorized, true, false},
		{http.StatusForbidden, true, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusInternalServerError, false, true},
		{http.StatusBadGateway, false, true},
		{http.StatusNotFound, false, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"success": false, "message": "nope"}`)
			}))
			err := c.Exit(context.Background(), ExitRequest{EvaluationID: "e", StudentID: "s", ExitPassword: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(Config{BaseURL: srv.URL, Logger: logging.Discard(), Timeout: time.Second})
	require.NoError(t, err)

	err = c.Exit(context.Background(), ExitRequest{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestSubmitDefaultsAnswers(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/evaluations/submit", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{}, body["answers"])
		assert.Equal(t, float64(0), body["score"])
		io.WriteString(w, `{"success": true, "message": "Submitted"}`)
	}))
	ack, err := c.Submit(context.Background(), SubmitRequest{EvaluationID: "e", StudentID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "Submitted", ack.Message)
}

func TestActivityWireShape(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/monitoring/activity", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "VIOLATION", body["activityType"])
		assert.Equal(t, "Window lost focus", body["url"])
		assert.Equal(t, true, body["isViolation"])
		assert.Equal(t, "WINDOW_BLUR", body["violationKind"])
		io.WriteString(w, `{"success": true}`)
	}))
	err := c.LogActivity(context.Background(), ActivityRequest{
		EvaluationID:  "e",
		StudentID:     "s",
		ActivityType:  "VIOLATION",
		URL:           "Window lost focus",
		IsViolation:   true,
		ViolationKind: "WINDOW_BLUR",
	})
	require.NoError(t, err)
}

func TestSubmissionStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/submission/eval-1/stu-1":
			io.WriteString(w, `{"success": true, "data": {"submissionId": "sub-1", "score": 87, "status": "SUBMITTED", "submittedAt": 1767265000000, "rank": 3}}`)
		default:
			io.WriteString(w, `{"success": true, "data": null}`)
		}
	}))

	st, err := c.SubmissionStatus(context.Background(), "eval-1", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", st.SubmissionID)
	assert.Equal(t, 3, st.Rank)
	assert.Equal(t, float64(87), st.Score)

	_, err = c.SubmissionStatus(context.Background(), "eval-1", "stu-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestIDFromContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-42", r.Header.Get("X-Request-ID"))
		io.WriteString(w, `ok`)
	}))
	ctx := logging.ContextWithRequestID(context.Background(), "req-42")
	require.NoError(t, c.Health(ctx))
}
