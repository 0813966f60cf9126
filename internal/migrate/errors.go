package migrate

import "errors"

// ErrJobNotFound means no job exists under the given id.
var ErrJobNotFound = errors.New("job not found")

// ErrRowNotFound means no row exists under the given id.
var ErrRowNotFound = errors.New("row not found")

// ErrJobAlreadyRunning means a second run was attempted while one is active.
// The caller gets this immediately instead of a queued duplicate.
var ErrJobAlreadyRunning = errors.New("job already running")

// ErrValidation covers pre-flight rejections: bad specs, mappings that do
// not fit the destination schema, retries against rows or jobs in the wrong
// state. Nothing has touched the remote when this is returned.
var ErrValidation = errors.New("validation failed")
