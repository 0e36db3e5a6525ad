package room

import "errors"

var (
	ErrInvalidRequest = errors.New("session id and player id are required")
	ErrConflict       = errors.New("room already exists")
	ErrNotFound       = errors.New("room not found")
	ErrUnauthorized   = errors.New("incorrect password")
	ErrFull           = errors.New("room full")
	ErrPlayerExists   = errors.New("player already in room")
)
