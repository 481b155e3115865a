// Package ptt maps an external talk key to the session's talk state.
package ptt

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mode is the activation policy.
type Mode string

const (
	// ModeHold transmits while the key is down.
	ModeHold Mode = "hold"
	// ModeToggle flips transmission on every press.
	ModeToggle Mode = "toggle"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHold, "":
		return ModeHold, nil
	case ModeToggle:
		return ModeToggle, nil
	default:
		return "", fmt.Errorf("unknown push-to-talk mode %q", s)
	}
}

// TalkApplier receives the resulting talk state. *voice.Session implements it.
type TalkApplier interface {
	ApplyTalkState(talking bool) error
}

// Gate starts muted. Missed events are tolerated: in hold mode the state is
// whatever the last event said.
type Gate struct {
	mu      sync.Mutex
	mode    Mode
	pressed bool
	talking bool
	target  TalkApplier

	logger zerolog.Logger
}

func NewGate(target TalkApplier, mode Mode) *Gate {
	return &Gate{
		mode:   mode,
		target: target,
		logger: log.With().Str("module", "ptt.gate").Logger(),
	}
}

// Press feeds one key edge.
func (g *Gate) Press(pressed bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.talking
	switch g.mode {
	case ModeToggle:
		if pressed && !g.pressed {
			next = !g.talking
		}
	default:
		next = pressed
	}
	g.pressed = pressed
	return g.applyLocked(next)
}

// SetMode switches policy and mutes.
func (g *Gate) SetMode(mode Mode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if mode == g.mode {
		return nil
	}
	g.logger.Info().Str("mode", string(mode)).Msg("push-to-talk mode changed")
	g.mode = mode
	g.pressed = false
	return g.applyLocked(false)
}

// Release mutes, e.g. when the key binding changes under a held key.
func (g *Gate) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pressed = false
	return g.applyLocked(false)
}

func (g *Gate) Talking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.talking
}

func (g *Gate) applyLocked(talking bool) error {
	if talking == g.talking {
		return nil
	}
	if err := g.target.ApplyTalkState(talking); err != nil {
		return err
	}
	g.talking = talking
	g.logger.Debug().Bool("talking", talking).Msg("talk state")
	return nil
}

// Run applies events until ctx ends or events is closed. The gate mutes on
// the way out.
func (g *Gate) Run(ctx context.Context, events <-chan bool) error {
	defer func() {
		if err := g.Release(); err != nil {
			g.logger.Debug().Err(err).Msg("release on exit")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pressed, ok := <-events:
			if !ok {
				return nil
			}
			if err := g.Press(pressed); err != nil {
				return err
			}
		}
	}
}
