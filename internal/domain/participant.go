// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxRoomIDLen        = 64
)

var (
	ErrParticipantEmpty   = errors.New("participant id empty")
	ErrParticipantTooLong = errors.New("participant id too long")
	ErrRoomEmpty          = errors.New("room id empty")
	ErrRoomTooLong        = errors.New("room id too long")
)

// ParticipantID identifies one member of a voice room.
// Ids are compared as opaque strings.
type ParticipantID string

// NewParticipantID is a tiny helper for hosts that have no id of their own.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// ParseParticipantID trims and validates a raw id.
func ParseParticipantID(raw string) (ParticipantID, error) {
	id := strings.TrimSpace(raw)
	if len(id) == 0 {
		return "", ErrParticipantEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return "", ErrParticipantTooLong
	}
	return ParticipantID(id), nil
}

func (p ParticipantID) String() string { return string(p) }
