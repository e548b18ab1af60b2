package domain

import "errors"

// Domain errors
var (
	ErrInvalidName    = errors.New("invalid player name")
	ErrInvalidScore   = errors.New("invalid score value")
	ErrPlayerNotFound = errors.New("player not found in leaderboard")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
	ErrAuditDisabled  = errors.New("audit log is disabled")

	ErrMirrorDisabled    = errors.New("snapshot mirror is disabled")
	ErrMirrorUnavailable = errors.New("snapshot mirror is unavailable")
)

// InvalidSubmissionMessage is the text sent back to a client whose score
// submission was rejected.
const InvalidSubmissionMessage = "Invalid name or score"

// IsValidationError checks if an error was caused by a rejected submission
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidName) || errors.Is(err, ErrInvalidScore)
}
