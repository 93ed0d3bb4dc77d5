/*
Package errs provides custom error types and application-level error code constants.

These error codes identify handshake, messaging and system failures both inside the
server and in the `chat error` events and HTTP responses sent to clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrInvalidJSONFormat indicates that an inbound frame or body is not valid JSON.
	ErrInvalidJSONFormat = 1003

	// ErrRateLimitExceeded indicates that the handshake rate for an IP has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Messaging Errors
const (
	// ErrMessageContentTooLong indicates that the message content exceeded the maximum length limit.
	ErrMessageContentTooLong = 2201

	// ErrMessageThrottled indicates that the sender was throttled by the spam guard.
	ErrMessageThrottled = 2202

	// ErrInvalidEvent indicates an unknown inbound event name or a payload with the wrong shape.
	ErrInvalidEvent = 2203
)

// 3xxx: Handshake and Identity Errors
const (
	// ErrInvalidCredentials indicates that the handshake carried neither a known session nor a username.
	ErrInvalidCredentials = 3101

	// ErrUsernameTaken indicates that the requested username already belongs to another identity.
	ErrUsernameTaken = 3102
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrServiceUnavailable indicates the presence router is not accepting work (shutting down).
	ErrServiceUnavailable = 5001
)
