package imis

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials means no password is resident for the environment,
// so neither a token acquisition nor a payload decryption can proceed.
var ErrMissingCredentials = errors.New("missing credentials")

// ErrAuthenticationFailed means the remote rejected the credentials, either
// at the token endpoint or with a 401 that survived one reauthentication.
var ErrAuthenticationFailed = errors.New("authentication failed")

// RequestError is a transport-level failure that survived transient retries.
type RequestError struct {
	Endpoint string
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ResponseError is a non-2xx response. The body is retained for diagnosis.
type ResponseError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, truncate(e.Body, 200))
}

// SchemaError means a response parsed as JSON but did not have the shape the
// client expected for that endpoint and API version.
type SchemaError struct {
	Endpoint   string
	Diagnostic string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unexpected response shape from %s: %s", e.Endpoint, e.Diagnostic)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
