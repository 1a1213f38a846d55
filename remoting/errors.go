package remoting

import (
	"errors"
	"strconv"
	"time"

	"github.com/ozontech/registrar/protocol"
)

// ErrClosed соединение или клиент уже закрыты.
var ErrClosed = errors.New("remoting: closed")

// ProtocolError битый поток: неверный magic или длина тела.
// Соединение после такой ошибки закрывается.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

type TimeoutError struct {
	Opaque  int64
	Code    protocol.Code
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "call " + e.Code.String() + " (opaque " + strconv.FormatInt(e.Opaque, 10) +
		") timed out after " + e.Timeout.String()
}

// ConnectionLostError соединение закрылось раньше, чем пришел ответ.
type ConnectionLostError struct {
	Opaque int64
	ConnID ConnID
	Err    error
}

func (e *ConnectionLostError) Error() string {
	s := "connection " + e.ConnID.String() + " lost while waiting for opaque " +
		strconv.FormatInt(e.Opaque, 10)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// SendError фрейм не удалось поставить в очередь отправки.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "send: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// SerializationError ошибка кодека тела, затрагивает только один фрейм.
type SerializationError struct {
	Code  protocol.Code
	Codec string
	Err   error
}

func (e *SerializationError) Error() string {
	return e.Codec + " body of " + e.Code.String() + ": " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsRetryable ошибки, после которых вызов можно повторить, возможно на другой адрес.
func IsRetryable(err error) bool {
	var (
		timeoutErr *TimeoutError
		lostErr    *ConnectionLostError
		sendErr    *SendError
	)
	return errors.As(err, &timeoutErr) || errors.As(err, &lostErr) || errors.As(err, &sendErr)
}
