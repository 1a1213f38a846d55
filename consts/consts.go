package consts

import (
	"time"
)

const (
	RecieveBufferSize = 2048
	ChunksBufferSize  = 64
	SendQueueSize     = 1024
	NotifyQueueSize   = 16384

	Magic       uint16 = 0xBABE
	HeaderSize         = 16
	MaxBodySize        = 16 << 20 // 16 MiB, больше считаем порчей потока

	DefaultReadIdle       = 60 * time.Second // после этого соединение закрывается
	DefaultWriteIdle      = 30 * time.Second // после этого отправляется heartbeat
	DefaultTimeout        = 3 * time.Second
	DefaultDialTimeout    = 3 * time.Second
	DefaultRepublish      = 60 * time.Second
	DefaultNotifyTimeout  = 3 * time.Second
	DefaultDegradeTimeout = 3 * time.Second

	DefaultWeight          = 50
	DefaultConnectionCount = 1
	DefaultRegistryPort    = 18010
	VIPPortOffset          = -2
)
