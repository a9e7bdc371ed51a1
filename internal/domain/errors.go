package domain

import "errors"

// Domain errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPlayerNotFound  = errors.New("player not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidRound    = errors.New("round number must be between 1 and 3")
	ErrRoundOrder      = errors.New("earlier rounds must be completed first")
	ErrSessionFinished = errors.New("session is already finished")
	ErrInternalError   = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrPlayerNotFound)
}
