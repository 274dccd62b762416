package dispatch

import (
	"errors"
	"fmt"
)

// ErrNoHandler means the routing key has no registered handler.
// It is permanent: retrying cannot make the handler appear.
var ErrNoHandler = errors.New("no handler registered")

// HandlerError wraps a business-logic failure (including a recovered panic)
// so a handler can never crash the scheduler loop or the receiver.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
