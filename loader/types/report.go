package types

import (
	"context"
	"time"
)

type LoaderReporter interface {
	Acquire(tag string) CallState
}

type Reporter interface {
	LoaderReporter
	Run() error
	Close() error
}

// CallState состояние одного вызова в нагрузке.
type CallState interface {
	SetSize(req, resp int) // размеры аргументов и ответа
	Error(err error)       // вызов завершился ошибкой
	End()                  // завершение вызова. отправляет результат в отчет
}

// Caller выполняет один вызов сервиса, например *consumer.Consumer.
type Caller interface {
	Call(ctx context.Context, service string, args []byte, timeout time.Duration) ([]byte, error)
}
