package registry

import "errors"

// Sentinel errors returned by Registry operations, matching the error
// taxonomy in spec.md §7: state errors are non-terminal for the connection
// and should be surfaced to the caller as ERROR{kind=STATE}; resource
// errors are terminal for the affected request only.
var (
	ErrMeetingNotFound    = errors.New("registry: meeting not found")
	ErrParticipantNotFound = errors.New("registry: participant not found")
	ErrNotWaiting         = errors.New("registry: participant is not waiting in this meeting")
	ErrNotHost            = errors.New("registry: only the host may perform this action")
	ErrAlreadyInMeeting   = errors.New("registry: participant already belongs to a meeting")
	ErrCodeSpaceExhausted = errors.New("registry: could not allocate a unique meeting code")
	ErrTooManyMeetings    = errors.New("registry: maximum live meeting count reached")
	ErrInvalidName        = errors.New("registry: name must be 1-64 UTF-8 bytes")
)
