package domain

import "errors"

var (
	// ErrExceededRetries is returned when a multi-attempt operation (task polling,
	// replica deletion) runs out of attempts.
	ErrExceededRetries = errors.New("exceeded retries")

	// ErrReplicaLimitExceeded is returned when a store configures more virtual
	// replicas than the search service allows on one primary index.
	ErrReplicaLimitExceeded = errors.New("replica limit exceeded")

	// ErrReplicaStateCorrupted is returned when the search service rejects a
	// replica list update with a bad request.
	ErrReplicaStateCorrupted = errors.New("replica state corrupted")

	ErrMissingIndexSuffix   = errors.New("index suffix or enforced index name is required")
	ErrInvalidCredentials   = errors.New("invalid search service credentials")
	ErrUnknownStore         = errors.New("unknown store")
	ErrUnknownHandler       = errors.New("unknown job handler")
	ErrUnknownEntity        = errors.New("unknown entity")
	ErrInvalidExtraSettings = errors.New("invalid extra settings")
)

// permanentError marks an error the queue runner must not retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that IsPermanent reports true for it.
// A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
