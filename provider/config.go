package provider

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

type Config struct {
	Registry protocol.Address
	// ListenAddr адрес RPC сервера. VIP сервисы дополнительно слушают
	// порт ListenAddr + consts.VIPPortOffset.
	ListenAddr string
	// Advertise адрес, который публикуется в реестре. По умолчанию
	// адрес, на котором открылся listener.
	Advertise protocol.Address

	Remoting          remoting.Config
	Codec             protocol.Codec
	PublishTimeout    time.Duration
	RepublishInterval time.Duration
	Workers           int
	VIPWorkers        int
}

func DefaultConfig() Config {
	return Config{
		Registry:          protocol.Address{Host: "127.0.0.1", Port: consts.DefaultRegistryPort},
		ListenAddr:        "127.0.0.1:0",
		Remoting:          remoting.DefaultConfig(),
		Codec:             protocol.JSON,
		PublishTimeout:    consts.DefaultTimeout,
		RepublishInterval: consts.DefaultRepublish,
		Workers:           64,
		VIPWorkers:        32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = d.RepublishInterval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.VIPWorkers <= 0 {
		c.VIPWorkers = max(c.Workers/2, 1)
	}
	return c
}

type options struct {
	clock   clock.Clock
	metrics *metrics.Metrics
	limits  map[string]int64
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithFlowLimit ограничивает число вызовов сервиса за текущую минуту.
// Вызовы сверх лимита получают ошибку, не доходя до обработчика.
func WithFlowLimit(service string, perMinute int64) Option {
	return func(o *options) {
		if o.limits == nil {
			o.limits = make(map[string]int64)
		}
		o.limits[service] = perMinute
	}
}
