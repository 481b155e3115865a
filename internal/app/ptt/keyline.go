package ptt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultKeyCode is Left Ctrl in evdev numbering.
const DefaultKeyCode = 29

var ErrBadKeyLine = errors.New("malformed key line")

type KeyState string

const (
	KeyDown   KeyState = "DOWN"
	KeyUp     KeyState = "UP"
	KeyRepeat KeyState = "REPEAT"
)

// KeyEvent is one line of the detector protocol, KEY:<code>:<state>.
type KeyEvent struct {
	Code  int
	State KeyState
}

func (e KeyEvent) Pressed() bool { return e.State != KeyUp }

func ParseKeyLine(line string) (KeyEvent, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) != 3 || parts[0] != "KEY" {
		return KeyEvent{}, fmt.Errorf("%w: %q", ErrBadKeyLine, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return KeyEvent{}, fmt.Errorf("%w: key code %q", ErrBadKeyLine, parts[1])
	}
	switch st := KeyState(parts[2]); st {
	case KeyDown, KeyUp, KeyRepeat:
		return KeyEvent{Code: code, State: st}, nil
	default:
		return KeyEvent{}, fmt.Errorf("%w: state %q", ErrBadKeyLine, parts[2])
	}
}

// LineSource turns the detector's stdout into press/release booleans for one
// key. Repeats and duplicate states are folded away.
type LineSource struct {
	r       io.Reader
	keyCode atomic.Int64

	logger zerolog.Logger
}

func NewLineSource(r io.Reader, keyCode int) *LineSource {
	s := &LineSource{
		r:      r,
		logger: log.With().Str("module", "ptt.keys").Logger(),
	}
	s.keyCode.Store(int64(keyCode))
	return s
}

// SetKeyCode rebinds the talk key while Run is active.
func (s *LineSource) SetKeyCode(code int) {
	if old := s.keyCode.Swap(int64(code)); old != int64(code) {
		s.logger.Info().Int("key_code", code).Msg("talk key changed")
	}
}

func (s *LineSource) KeyCode() int { return int(s.keyCode.Load()) }

// Run reads until EOF or ctx ends. out is not closed.
func (s *LineSource) Run(ctx context.Context, out chan<- bool) error {
	sc := bufio.NewScanner(s.r)
	var (
		last    bool
		lastKey = s.KeyCode()
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		ev, err := ParseKeyLine(line)
		if err != nil {
			s.logger.Debug().Err(err).Msg("skip detector line")
			continue
		}
		key := s.KeyCode()
		if key != lastKey {
			lastKey, last = key, false
		}
		if ev.Code != key || ev.Pressed() == last {
			continue
		}
		last = ev.Pressed()
		select {
		case out <- last:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read key events: %w", err)
	}
	return nil
}
