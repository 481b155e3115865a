package voice

import (
	"errors"
	"fmt"
)

var ErrSessionClosed = errors.New("voice session closed")

// JoinStage names the step at which Join gave up.
type JoinStage string

const (
	StageConfig    JoinStage = "config"
	StageCapture   JoinStage = "capture"
	StageSubscribe JoinStage = "subscribe"
)

// JoinError is returned by Join. No session exists after one.
type JoinError struct {
	Stage JoinStage
	Err   error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("voice join failed at %s: %v", e.Stage, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
