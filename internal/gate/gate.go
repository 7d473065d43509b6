// Package gate checks the instructor-issued secrets that guard entering and
// leaving an evaluation.
//
// Both checks are remote. A refusal from the backend becomes InvalidKey or
// InvalidExitPassword; anything else that goes wrong on the way is a
// NetworkFailure the student may retry. There is no local lockout.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"proctord/internal/backend"
	"proctord/internal/logging"
)

// Kind classifies a gate failure.
type Kind int

const (
	InvalidKey Kind = iota + 1
	InvalidExitPassword
	NetworkFailure
	NotOpen
)

func (k Kind) String() string {
	switch k {
	case InvalidKey:
		return "invalid_key"
	case InvalidExitPassword:
		return "invalid_exit_password"
	case NetworkFailure:
		return "network_failure"
	case NotOpen:
		return "not_open"
	default:
		return "unknown"
	}
}

// MarshalText lets kinds travel as strings over the bridge.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrInvalidKey          = errors.New("gate: invalid private key")
	ErrInvalidExitPassword = errors.New("gate: invalid exit password")
	ErrNetworkFailure      = errors.New("gate: network failure")
	ErrNotOpen             = errors.New("gate: evaluation not open")
)

func (k Kind) sentinel() error {
	switch k {
	case InvalidKey:
		return ErrInvalidKey
	case InvalidExitPassword:
		return ErrInvalidExitPassword
	case NetworkFailure:
		return ErrNetworkFailure
	case NotOpen:
		return ErrNotOpen
	}
	return nil
}

// Error is a gate failure. Message is safe to show to the student.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gate: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("gate: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Retryable reports whether trying again unchanged may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == NetworkFailure
}

// KindOf returns the kind of a gate error, or 0.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// Backend is the part of backend.Client the gate needs.
type Backend interface {
	Enter(ctx context.Context, req backend.EnterRequest) (*backend.EnterResult, error)
	Exit(ctx context.Context, req backend.ExitRequest) error
}

// Gate performs the entry and exit checks.
type Gate struct {
	api    Backend
	logger *logging.Logger
}

// New creates a gate over api.
func New(api Backend, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{api: api, logger: logger.WithComponent("gate")}
}

// Enter validates privateKey for studentID. Entry is only possible while
// the evaluation is ONGOING.
func (g *Gate) Enter(ctx context.Context, info *backend.SessionInfo, studentID, privateKey string) error {
	if info == nil {
		return &Error{Kind: NotOpen, Message: "Evaluation details are not loaded"}
	}
	if !info.Open() {
		return &Error{Kind: NotOpen, Message: notOpenMessage(info.Status)}
	}

	key := strings.TrimSpace(privateKey)
	if key == "" {
		return &Error{Kind: InvalidKey, Message: "Private key is required"}
	}

	_, err := g.api.Enter(ctx, backend.EnterRequest{StudentID: studentID, PrivateKey: key})
	if err != nil {
		gerr := classify(err, InvalidKey, "Invalid private key")
		g.logger.Info("entry refused",
			"evaluation_id", info.EvaluationID,
			"student_id", studentID,
			"kind", gerr.Kind,
		)
		return gerr
	}
	return nil
}

// Exit validates the exit password of an active attempt.
func (g *Gate) Exit(ctx context.Context, evaluationID, studentID, exitPassword string) error {
	password := strings.TrimSpace(exitPassword)
	if password == "" {
		return &Error{Kind: InvalidExitPassword, Message: "Exit password is required"}
	}

	err := g.api.Exit(ctx, backend.ExitRequest{
		EvaluationID: evaluationID,
		StudentID:    studentID,
		ExitPassword: password,
	})
	if err != nil {
		gerr := classify(err, InvalidExitPassword, "Invalid exit password")
		g.logger.Info("exit refused",
			"evaluation_id", evaluationID,
			"student_id", studentID,
			"kind", gerr.Kind,
		)
		return gerr
	}
	return nil
}

func classify(err error, refused Kind, fallback string) *Error {
	var rej *backend.RejectedError
	if errors.As(err, &rej) {
		msg := rej.Message
		if msg == "" {
			msg = fallback
		}
		return &Error{Kind: refused, Message: msg, Err: err}
	}
	return &Error{
		Kind:    NetworkFailure,
		Message: "Could not reach the evaluation server, try again",
		Err:     err,
	}
}

func notOpenMessage(status backend.Status) string {
	switch status {
	case backend.StatusUpcoming:
		return "Evaluation has not started yet"
	case backend.StatusEnded:
		return "Evaluation has expired"
	default:
		return fmt.Sprintf("Evaluation is not open (status %q)", status)
	}
}
