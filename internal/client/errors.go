package client

import (
	"amqpav/internal/protocol"
	"errors"
	"fmt"
)

var ErrEmptyMessageID = errors.New("message id cannot be empty")

// BadExchangeError is returned when the scanner rejected the request as not
// belonging to the antivirus protocol family.
type BadExchangeError struct {
	Detail protocol.ErrorDetail
}

func (e *BadExchangeError) Error() string {
	return fmt.Sprintf("bad exchange: %s", e.Detail)
}

// InvalidMessageError is returned for an unsupported protocol version or an
// error reply that could not be understood.
type InvalidMessageError struct {
	Detail protocol.ErrorDetail
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Detail)
}

func IsBadExchange(err error) bool {
	var be *BadExchangeError
	return errors.As(err, &be)
}

func IsInvalidMessage(err error) bool {
	var ie *InvalidMessageError
	return errors.As(err, &ie)
}

// replyError converts a decoded error reply into the caller-facing error.
func replyError(d protocol.ErrorDetail) error {
	if d.Kind == protocol.ErrKindBadAppID {
		return &BadExchangeError{Detail: d}
	}
	return &InvalidMessageError{Detail: d}
}
