package room

import "errors"

var (
	ErrInvalidJoinCode = errors.New("room: invalid join code")
	ErrAlreadyJoining  = errors.New("room: join already in progress")
	ErrAlreadyJoined   = errors.New("room: already joined")
	ErrNotJoined       = errors.New("room: not joined")
)
