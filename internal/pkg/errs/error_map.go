/*
Package errs provides custom error types and application-level error code constants.

This file maps every error code to its CustomError template: the client-facing message
and, for errors answered over HTTP, the status code.
*/
package errs

import "net/http"

// errorMap stores the CustomError template for every application error code.
var errorMap = map[int]CustomError{
	// 1xxx
	ErrInvalidParams:     {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrInvalidJSONFormat: {Code: ErrInvalidJSONFormat, Message: "Unsupported message format."},
	ErrRateLimitExceeded: {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx
	ErrMessageContentTooLong: {Code: ErrMessageContentTooLong, Message: "Message is too long (max %d bytes)."},
	ErrMessageThrottled:      {Code: ErrMessageThrottled, Message: "You are sending messages too quickly. Slow down."},
	ErrInvalidEvent:          {Code: ErrInvalidEvent, Message: "Unsupported event."},

	// 3xxx
	ErrInvalidCredentials: {Code: ErrInvalidCredentials, Message: "A session or a username is required.", Status: http.StatusUnauthorized},
	ErrUsernameTaken:      {Code: ErrUsernameTaken, Message: "Username is already taken.", Status: http.StatusConflict},

	// 5xxx
	ErrUnknown:            {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrServiceUnavailable: {Code: ErrServiceUnavailable, Message: "Chat service is unavailable.", Status: http.StatusServiceUnavailable},
}
