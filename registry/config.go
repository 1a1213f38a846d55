package registry

import (
	"time"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

type Config struct {
	Remoting remoting.Config
	Codec    protocol.Codec

	// AutoReview новые регистрации сразу получают PassReview.
	AutoReview bool

	NotifyQueueSize int
	NotifyTimeout   time.Duration
	DegradeTimeout  time.Duration
	Workers         int // размер пула обработчиков команд
}

func DefaultConfig() Config {
	return Config{
		Remoting:        remoting.DefaultConfig(),
		Codec:           protocol.JSON,
		NotifyQueueSize: consts.NotifyQueueSize,
		NotifyTimeout:   consts.DefaultNotifyTimeout,
		DegradeTimeout:  consts.DefaultDegradeTimeout,
		Workers:         64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	if c.NotifyQueueSize <= 0 {
		c.NotifyQueueSize = d.NotifyQueueSize
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.DegradeTimeout <= 0 {
		c.DegradeTimeout = d.DegradeTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}
