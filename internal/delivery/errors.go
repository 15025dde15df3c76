package delivery

import (
	"errors"
	"fmt"
)

// ErrClientFault matches any StatusError the collector returned for a request
// it will never accept. Such events are not retried.
var ErrClientFault = errors.New("collector rejected event")

// StatusError is a non-2xx answer from the collector.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// ClientFault reports a 4xx status.
func (e *StatusError) ClientFault() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func (e *StatusError) Is(target error) bool {
	return target == ErrClientFault && e.ClientFault()
}

// IsClientFault reports whether err carries a 4xx collector response.
func IsClientFault(err error) bool {
	return errors.Is(err, ErrClientFault)
}
