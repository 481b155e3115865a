package domain

import "strings"

// RoomID scopes one voice channel.
type RoomID string

func ParseRoomID(raw string) (RoomID, error) {
	id := strings.TrimSpace(raw)
	if len(id) == 0 {
		return "", ErrRoomEmpty
	}
	if len(id) > MaxRoomIDLen {
		return "", ErrRoomTooLong
	}
	return RoomID(id), nil
}

func (r RoomID) String() string { return string(r) }

// Topic is the pub/sub channel name for the room.
func (r RoomID) Topic() string { return "voice:" + string(r) }
