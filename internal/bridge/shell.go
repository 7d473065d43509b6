package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"proctord/internal/platform"
)

var errNoShell = fmt.Errorf("bridge: no shell connected: %w", platform.ErrUnavailable)

// Shell is the platform surface the connected exam shell provides. Commands
// are queued to the shell without waiting for completion: sensors issue them
// from inside event handlers running on the shell's read loop. The shell
// reports failures back as command results, which are logged.
type Shell struct {
	hub *hub

	mu         sync.RWMutex
	fullscreen bool
	known      bool
}

var (
	_ platform.Display  = (*Shell)(nil)
	_ platform.History  = (*Shell)(nil)
	_ platform.Opener   = (*Shell)(nil)
	_ platform.Capturer = (*Shell)(nil)
)

func (s *Shell) command(ctx context.Context, msg Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Type = MsgCommand
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return s.hub.send(msg)
}

// observe records the fullscreen state the shell last reported.
func (s *Shell) observe(fullscreen bool) {
	s.mu.Lock()
	s.fullscreen = fullscreen
	s.known = true
	s.mu.Unlock()
}

func (s *Shell) reset() {
	s.mu.Lock()
	s.fullscreen = false
	s.known = false
	s.mu.Unlock()
}

// IsFullscreen returns the last reported state. Before the shell reports
// one, the surface is assumed windowed.
func (s *Shell) IsFullscreen(ctx context.Context) (bool, error) {
	if s.hub.clients() == 0 {
		return false, errNoShell
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fullscreen && s.known, nil
}

func (s *Shell) RequestFullscreen(ctx context.Context) error {
	return s.command(ctx, Outbound{Command: CmdRequestFullscreen})
}

func (s *Shell) ExitFullscreen(ctx context.Context) error {
	return s.command(ctx, Outbound{Command: CmdExitFullscreen})
}

func (s *Shell) Pin(ctx context.Context) error {
	return s.command(ctx, Outbound{Command: CmdPinHistory})
}

func (s *Shell) Open(ctx context.Context, url string) error {
	return s.command(ctx, Outbound{Command: CmdOpenURL, URL: url})
}

// Capture asks the shell to store evidence under a fresh reference.
func (s *Shell) Capture(ctx context.Context, reason string) (string, error) {
	ref := uuid.NewString()
	err := s.command(ctx, Outbound{ID: ref, Command: CmdCaptureEvidence, Reason: reason, Ref: ref})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// IsUnavailable reports whether err means no shell was connected.
func IsUnavailable(err error) bool {
	return errors.Is(err, platform.ErrUnavailable)
}
