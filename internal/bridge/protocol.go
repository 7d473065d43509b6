package bridge

import (
	"encoding/json"
	"errors"

	"proctord/internal/gate"
	"proctord/internal/platform"
	"proctord/internal/session"
)

// ProtocolVersion is sent in the hello message.
const ProtocolVersion = 1

// MessageType identifies a bridge message.
type MessageType string

const (
	// Shell to daemon.
	MsgEvent         MessageType = "event"
	MsgIntent        MessageType = "intent"
	MsgCommandResult MessageType = "command_result"

	// Daemon to shell.
	MsgHello   MessageType = "hello"
	MsgAck     MessageType = "ack"
	MsgResult  MessageType = "result"
	MsgCommand MessageType = "command"
	MsgState   MessageType = "state"
	MsgError   MessageType = "error"
)

// Intent is a user action forwarded by the shell.
type Intent string

const (
	IntentEnter   Intent = "enter"
	IntentSubmit  Intent = "submit"
	IntentExit    Intent = "exit"
	IntentOpenURL Intent = "open_url"
	IntentAnswers Intent = "answers"
	IntentResend  Intent = "resend"
	IntentStatus  Intent = "status"
)

// Command is an action the daemon asks the shell to perform.
type Command string

const (
	CmdRequestFullscreen Command = "request_fullscreen"
	CmdExitFullscreen    Command = "exit_fullscreen"
	CmdPinHistory        Command = "pin_history"
	CmdCaptureEvidence   Command = "capture_evidence"
	CmdOpenURL           Command = "open_url"
)

// Inbound is a message from the shell. ID correlates acks and results.
type Inbound struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`

	Event *platform.Event `json:"event,omitempty"`

	Intent   Intent          `json:"intent,omitempty"`
	Key      string          `json:"key,omitempty"`
	Password string          `json:"password,omitempty"`
	URL      string          `json:"url,omitempty"`
	Answers  json.RawMessage `json:"answers,omitempty"`

	// Command results report the outcome of a command by its ID.
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// Outbound is a message to the shell.
type Outbound struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`

	Version int `json:"version,omitempty"`

	PreventDefault bool `json:"prevent_default,omitempty"`

	Command Command `json:"command,omitempty"`
	URL     string  `json:"url,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Ref     string  `json:"ref,omitempty"`

	OK    bool              `json:"ok,omitempty"`
	Error *ErrorBody        `json:"error,omitempty"`
	Data  any               `json:"data,omitempty"`
	State *session.Snapshot `json:"state,omitempty"`
	Event *session.Event    `json:"event,omitempty"`
}

// ErrorBody is the user-facing form of an intent failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes beyond the gate kinds.
const (
	CodeAlreadyTerminal = "already_terminal"
	CodeNotActive       = "not_active"
	CodeAlreadyEntered  = "already_entered"
	CodeDisallowedURL   = "disallowed_url"
	CodeSubmitFailed    = "submit_failed"
	CodeNothingToResend = "nothing_to_resend"
	CodeBadRequest      = "bad_request"
	CodeNoSession       = "no_session"
	CodeInternal        = "internal"
)

// errorBody maps an intent error onto the shell's vocabulary. Gate errors
// keep their message so the shell can render it inline.
func errorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	var ge *gate.Error
	if errors.As(err, &ge) {
		return &ErrorBody{Code: ge.Kind.String(), Message: ge.Message}
	}
	var se *session.SubmitError
	if errors.As(err, &se) {
		return &ErrorBody{Code: CodeSubmitFailed, Message: "Submission could not be delivered, try again"}
	}
	switch {
	case errors.Is(err, session.ErrAlreadyTerminal):
		return &ErrorBody{Code: CodeAlreadyTerminal, Message: "The evaluation has already ended"}
	case errors.Is(err, session.ErrNotActive):
		return &ErrorBody{Code: CodeNotActive, Message: "The evaluation has not been entered"}
	case errors.Is(err, session.ErrAlreadyEntered):
		return &ErrorBody{Code: CodeAlreadyEntered, Message: "The evaluation is already in progress"}
	case errors.Is(err, session.ErrDisallowedURL):
		return &ErrorBody{Code: CodeDisallowedURL, Message: "This resource is not allowed during the evaluation"}
	case errors.Is(err, session.ErrNothingToResend):
		return &ErrorBody{Code: CodeNothingToResend, Message: "There is no pending submission"}
	case errors.Is(err, session.ErrInvalidAnswers), errors.Is(err, errBadRequest):
		return &ErrorBody{Code: CodeBadRequest, Message: err.Error()}
	case errors.Is(err, errNoSession):
		return &ErrorBody{Code: CodeNoSession, Message: "No evaluation is loaded"}
	}
	return &ErrorBody{Code: CodeInternal, Message: "Unexpected error"}
}

var (
	errBadRequest = errors.New("bridge: bad request")
	errNoSession  = errors.New("bridge: no session attached")
)
