package backend

import "errors"

// Domain errors for the backend link.
var (
	// ErrRegistrationFailed is returned when a registration attempt could not
	// reach the backend or got an unusable answer.
	ErrRegistrationFailed = errors.New("backend: registration failed")

	// ErrNotApproved is returned by a registration attempt whose hub is not
	// approved yet.
	ErrNotApproved = errors.New("backend: hub not approved")

	// ErrDialFailed is returned when the WebSocket connection cannot be opened.
	ErrDialFailed = errors.New("backend: websocket dial failed")

	// ErrFetchFailed is returned when the rule list cannot be fetched.
	ErrFetchFailed = errors.New("backend: automation fetch failed")

	// ErrNotConnected is returned when a message is sent with no open session.
	ErrNotConnected = errors.New("backend: not connected")

	// ErrSendBufferFull is returned when the outbound queue of the session
	// is full.
	ErrSendBufferFull = errors.New("backend: send buffer full")
)
