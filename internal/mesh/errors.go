package mesh

import "errors"

// Mesh errors.
var (
	// ErrAlreadyRunning is returned when a component is started twice.
	ErrAlreadyRunning = errors.New("mesh: already running")

	// ErrNotRunning is returned when an operation requires a started component.
	ErrNotRunning = errors.New("mesh: not running")

	// ErrNotConnected is returned when no connection to the peer exists.
	ErrNotConnected = errors.New("mesh: not connected to peer")

	// ErrConnectTimeout is returned when a connection attempt times out.
	ErrConnectTimeout = errors.New("mesh: connect timeout")

	// ErrMaxRetryExceeded is returned when a peer's reconnect budget is spent.
	ErrMaxRetryExceeded = errors.New("mesh: max retries exceeded")

	// ErrRequestTimeout is returned when a tracked request exhausts its retries.
	ErrRequestTimeout = errors.New("mesh: request timed out")

	// ErrDuplicateRequest is returned when a request UUID is already tracked.
	ErrDuplicateRequest = errors.New("mesh: request already tracked")

	// ErrUnknownDevice is returned when no device record exists for an IP.
	ErrUnknownDevice = errors.New("mesh: unknown device")

	// ErrDecrypt is returned when an encrypted payload cannot be decrypted.
	ErrDecrypt = errors.New("mesh: decrypt failed")

	// ErrInvalidPadding is returned when PKCS7 padding is malformed.
	ErrInvalidPadding = errors.New("mesh: invalid padding")

	// ErrInvalidPacket is returned when a discovery packet fails validation.
	ErrInvalidPacket = errors.New("mesh: invalid discovery packet")
)
