package consumer

import (
	"errors"
	"fmt"

	"procodus.dev/easybus/pkg/mq"
)

var (
	// ErrInvalidArgument is returned synchronously for malformed input to Consume.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicateConsumer is returned when the broker already has a consumer with the tag.
	ErrDuplicateConsumer = mq.ErrDuplicateConsumer
	// ErrHandlerTimeout is the failure reported for handlers that outlive HandlerTimeout.
	ErrHandlerTimeout = errors.New("handler timed out")
)

// HandlerError wraps a failure raised by an application handler, including
// recovered panics.
type HandlerError struct {
	Err       error
	Panic     any
	Queue     string
	MessageID string
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for queue %q panicked: %v", e.Queue, e.Panic)
	}
	return fmt.Sprintf("handler for queue %q failed: %v", e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func invalidArgument(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}
