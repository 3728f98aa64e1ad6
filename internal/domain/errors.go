package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Auth errors
	ErrAuthFailed = errors.New("missing or invalid token")
	ErrForbidden  = errors.New("caller is not permitted to perform this operation")

	// Room errors
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomExpired     = errors.New("room is closed or expired")
	ErrRoomIDExhausted = errors.New("could not generate a unique room id")

	// Admission errors
	ErrPasscodeRequired = errors.New("room requires a passcode")
	ErrInvalidPasscode  = errors.New("invalid passcode")
	ErrFileMismatch     = errors.New("file hash does not match the host's file")

	// Infrastructure errors
	ErrStorageUnavailable = errors.New("metadata store unavailable")
)
