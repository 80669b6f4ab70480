package classifier

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable covers transport errors, timeouts and non-2xx answers.
	ErrUnreachable = errors.New("classifier: endpoint unreachable")

	// ErrMalformedResponse means the endpoint answered but no valid verdict
	// could be extracted from the reply.
	ErrMalformedResponse = errors.New("classifier: malformed response")
)

// ClassifierError is returned once every attempt has failed. Last wraps
// ErrUnreachable or ErrMalformedResponse.
type ClassifierError struct {
	Attempts int
	Last     error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("classifier: gave up after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ClassifierError) Unwrap() error { return e.Last }

// AttemptCount reports how many requests were made.
func (e *ClassifierError) AttemptCount() int { return e.Attempts }
