package noop

import "github.com/ozontech/registrar/loader/types"

type Noop struct {
	close chan struct{}
}

func New() *Noop {
	return &Noop{make(chan struct{})}
}

func (m *Noop) Run() error {
	<-m.close
	return nil
}

func (m *Noop) Close() error {
	close(m.close)
	return nil
}

func (m *Noop) Acquire(string) types.CallState {
	return noopState{}
}

type noopState struct{}

func (noopState) SetSize(int, int) {}
func (noopState) Error(error)      {}
func (noopState) End()             {}
