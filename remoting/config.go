package remoting

import (
	"time"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/metrics"
)

type Config struct {
	// ReadIdle без входящих фреймов дольше этого соединение закрывается. 0 отключает.
	ReadIdle time.Duration
	// WriteIdle без исходящих фреймов дольше этого отправляется heartbeat. 0 отключает.
	WriteIdle     time.Duration
	DialTimeout   time.Duration
	MaxBodySize   int
	MaxConns      int // только для сервера, 0 без ограничений
	SendQueueSize int
	PendingShards int
}

func DefaultConfig() Config {
	return Config{
		ReadIdle:      consts.DefaultReadIdle,
		WriteIdle:     consts.DefaultWriteIdle,
		DialTimeout:   consts.DefaultDialTimeout,
		MaxBodySize:   consts.MaxBodySize,
		SendQueueSize: consts.SendQueueSize,
		PendingShards: 16,
	}
}

type options struct {
	metrics *metrics.Metrics
}

type Option func(*options)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
