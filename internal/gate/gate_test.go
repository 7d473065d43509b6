package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/backend"
	"proctord/internal/logging"
)

type fakeBackend struct {
	enterErr error
	exitErr  error

	enters []backend.EnterRequest
	exits  []backend.ExitRequest
}

func (f *fakeBackend) Enter(_ context.Context, req backend.EnterRequest) (*backend.EnterResult, error) {
	f.enters = append(f.enters, req)
	if f.enterErr != nil {
		return nil, f.enterErr
	}
	return &backend.EnterResult{}, nil
}

func (f *fakeBackend) Exit(_ context.Context, req backend.ExitRequest) error {
	f.exits = append(f.exits, req)
	return f.exitErr
}

func ongoing() *backend.SessionInfo {
	return &backend.SessionInfo{EvaluationID: "eval-1", Status: backend.StatusOngoing, DurationMinutes: 60}
}

func TestEnterSuccessTrimsKey(t *testing.T) {
	api := &fakeBackend{}
	g := New(api, logging.Discard())

	require.NoError(t, g.Enter(context.Background(), ongoing(), "stu-1", "  KEY-123\n"))
	require.Len(t, api.enters, 1)
	assert.Equal(t, "KEY-123", api.enters[0].PrivateKey)
	assert.Equal(t, "stu-1", api.enters[0].StudentID)
}

func TestEnterFailures(t *testing.T) {
	tests := []struct {
		name     string
		info     *backend.SessionInfo
		key      string
		apiErr   error
		kind     Kind
		sentinel error
		message  string
		called   bool
	}{
		{
			name:     "rejected with message",
			info:     ongoing(),
			key:      "wrong",
			apiErr:   &backend.RejectedError{Op: "enter", StatusCode: 200, Message: "Invalid key"},
			kind:     InvalidKey,
			sentinel: ErrInvalidKey,
			message:  "Invalid key",
			called:   true,
		},
		{
			name:     "rejected without message",
			info:     ongoing(),
			key:      "wrong",
			apiErr:   &backend.RejectedError{Op: "enter", StatusCode: 401},
			kind:     InvalidKey,
			sentinel: ErrInvalidKey,
			message:  "Invalid private key",
			called:   true,
		},
		{
			name:     "server error",
			info:     ongoing(),
			key:      "k",
			apiErr:   &backend.StatusError{Op: "enter", StatusCode: 503},
			kind:     NetworkFailure,
			sentinel: ErrNetworkFailure,
			called:   true,
		},
		{
			name:     "transport error",
			info:     ongoing(),
			key:      "k",
			apiErr:   errors.New("dial tcp: connection refused"),
			kind:     NetworkFailure,
			sentinel: ErrNetworkFailure,
			called:   true,
		},
		{
			name:     "empty key",
			info:     ongoing(),
			key:      "   ",
			kind:     InvalidKey,
			sentinel: ErrInvalidKey,
			message:  "Private key is required",
		},
		{
			name:     "upcoming",
			info:     &backend.SessionInfo{Status: backend.StatusUpcoming},
			key:      "k",
			kind:     NotOpen,
			sentinel: ErrNotOpen,
			message:  "Evaluation has not started yet",
		},
		{
			name:     "ended",
			info:     &backend.SessionInfo{Status: backend.StatusEnded},
			key:      "k",
			kind:     NotOpen,
			sentinel: ErrNotOpen,
			message:  "Evaluation has expired",
		},
		{
			name:     "no info",
			key:      "k",
			kind:     NotOpen,
			sentinel: ErrNotOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeBackend{enterErr: tt.apiErr}
			g := New(api, logging.Discard())

			err := g.Enter(context.Background(), tt.info, "stu-1", tt.key)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(err))
			if tt.message != "" {
				var ge *Error
				require.ErrorAs(t, err, &ge)
				assert.Equal(t, tt.message, ge.Message)
			}
			assert.Equal(t, tt.called, len(api.enters) == 1)
		})
	}
}

func TestExit(t *testing.T) {
	api := &fakeBackend{}
	g := New(api, logging.Discard())
	require.NoError(t, g.Exit(context.Background(), "eval-1", "stu-1", " pw "))
	require.Len(t, api.exits, 1)
	assert.Equal(t, "pw", api.exits[0].ExitPassword)

	api.exitErr = &backend.RejectedError{Op: "exit", StatusCode: 403}
	err := g.Exit(context.Background(), "eval-1", "stu-1", "bad")
	assert.ErrorIs(t, err, ErrInvalidExitPassword)
	assert.NotErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, err, backend.ErrRejected)

	api.exitErr = errors.New("timeout")
	err = g.Exit(context.Background(), "eval-1", "stu-1", "pw")
	assert.ErrorIs(t, err, ErrNetworkFailure)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.Retryable())

	err = g.Exit(context.Background(), "eval-1", "stu-1", "")
	assert.ErrorIs(t, err, ErrInvalidExitPassword)
}

func TestKindText(t *testing.T) {
	b, err := InvalidExitPassword.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "invalid_exit_password", string(b))
	assert.Equal(t, Kind(0), KindOf(errors.New("other")))
}
