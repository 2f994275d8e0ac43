package net

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned synchronously for any request made without an authenticated connection.
	ErrNotConnected = errors.New("can't complete request when not connected, please reconnect")

	// ErrRateLimitExceeded is delivered after the last rate-limited attempt.
	ErrRateLimitExceeded = errors.New("api rate limit was exceeded")

	// ErrUnexpectedResponse marks a malformed acknowledgement envelope.
	ErrUnexpectedResponse = errors.New("unexpected response from server")

	// ErrUnknownServerError marks a status code outside the accepted set.
	ErrUnknownServerError = errors.New("an unknown error occurred")

	// ErrRequestTimeout is delivered when no acknowledgement arrived within the RPC timeout.
	ErrRequestTimeout = errors.New("timed out waiting for server response")

	// ErrDisconnected is returned by Do when the connection went away before the request completed.
	ErrDisconnected = errors.New("request abandoned by disconnect")

	// ErrBodyTooLarge is returned synchronously for payloads above the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrIgnored wraps every reason an inbound event is dropped.
	ErrIgnored = errors.New("event ignored")

	// ErrSocketClosed is returned by Emit on a closed socket.
	ErrSocketClosed = errors.New("socket closed")
)

// ServerError carries the error field of a response body.
type ServerError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *ServerError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Details)
	}
	return e.Message
}

// EncodingError reports a payload that could not be serialized. No network attempt was made.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return "encode request payload: " + e.Err.Error()
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

func ignored(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIgnored, fmt.Sprintf(format, args...))
}
