package sessions

import "errors"

var (
	// ErrSessionNotFound is returned when no session matches a call and none
	// may be created for it.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSpawnFailed wraps failures to start a peer process. No session is
	// registered when it is returned.
	ErrSpawnFailed = errors.New("peer process failed to start")
	// ErrSessionClosed resolves calls that were pending, or issued, after the
	// session's peer exited.
	ErrSessionClosed = errors.New("session closed")
	// ErrRegistryClosed is returned once the registry has been shut down.
	ErrRegistryClosed = errors.New("session registry closed")
	// ErrPeerKilled is returned by Close when the peer ignored the
	// termination request and had to be killed.
	ErrPeerKilled = errors.New("peer did not exit in time and was killed")
)
