package clients

import (
	"errors"
	"fmt"
)

// Collaborator failure classes. 4xx responses are caller errors and never
// retried; 5xx and network failures are transient and may be retried by the
// queue or the orchestrator.
var (
	ErrUpstreamClient    = errors.New("upstream client error")
	ErrUpstreamTransient = errors.New("upstream transient error")

	// ErrServiceDied is raised by the brand-path watchdog when the AI
	// service stops answering health checks mid-call.
	ErrServiceDied = errors.New("ai service died")
)

// StatusError carries the HTTP status of a failed collaborator call
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.Status, e.Body)
}

// Unwrap maps the status class onto the failure taxonomy
func (e *StatusError) Unwrap() error {
	if e.Status >= 400 && e.Status < 500 {
		return ErrUpstreamClient
	}
	return ErrUpstreamTransient
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamTransient)
}
