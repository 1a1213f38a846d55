package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Code команда фрейма.
type Code uint8

const (
	RequestRemoting  Code = 1 // вызов сервиса провайдера
	ResponseRemoting Code = 2

	PublishService         Code = 65
	PublishCancelService   Code = 66
	SubscribeService       Code = 67
	SubscribeResult        Code = 68 // снапшот и пуш добавленных регистраций
	SubscribeResultCancel  Code = 69 // пуш удаленных регистраций
	SubscribeServiceCancel Code = 70
	ReviewService          Code = 71
	DegradeService         Code = 72
	MetricsService         Code = 73
	Ack                    Code = 74

	Heartbeat Code = 127
)

var codeNames = map[Code]string{
	RequestRemoting:        "REQUEST_REMOTING",
	ResponseRemoting:       "RESPONSE_REMOTING",
	PublishService:         "PUBLISH_SERVICE",
	PublishCancelService:   "PUBLISH_CANCEL_SERVICE",
	SubscribeService:       "SUBSCRIBE_SERVICE",
	SubscribeResult:        "SUBSCRIBE_RESULT",
	SubscribeResultCancel:  "SUBSCRIBE_RESULT_CANCEL",
	SubscribeServiceCancel: "SUBSCRIBE_SERVICE_CANCEL",
	ReviewService:          "REVIEW_SERVICE",
	DegradeService:         "DEGRADE_SERVICE",
	MetricsService:         "METRICS_SERVICE",
	Ack:                    "ACK",
	Heartbeat:              "HEARTBEAT",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "CODE_" + strconv.Itoa(int(c))
}

// TransporterType тип фрейма.
type TransporterType uint8

const (
	TypeRequest   TransporterType = 1
	TypeResponse  TransporterType = 2
	TypeHeartbeat TransporterType = 3
)

func (t TransporterType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return "type_" + strconv.Itoa(int(t))
	}
}

func (t TransporterType) Valid() bool {
	return t >= TypeRequest && t <= TypeHeartbeat
}

// Address адрес провайдера. Используется как ключ в map.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) IsZero() bool { return a.Host == "" && a.Port == 0 }

func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return Address{}, fmt.Errorf("parse port %q: %w", port, err)
	}
	return Address{Host: host, Port: p}, nil
}

func AddressFromNet(addr net.Addr) Address {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Address{Host: tcp.IP.String(), Port: tcp.Port}
	}
	a, err := ParseAddress(addr.String())
	if err != nil {
		return Address{Host: addr.String()}
	}
	return a
}

// ReviewState результат ручной проверки регистрации.
// Подписчикам раздаются только регистрации в состоянии PassReview.
type ReviewState uint8

const (
	Unreviewed ReviewState = iota
	PassReview
	Reject
	Forbidden
)

func (s ReviewState) String() string {
	switch s {
	case Unreviewed:
		return "unreviewed"
	case PassReview:
		return "pass"
	case Reject:
		return "reject"
	case Forbidden:
		return "forbidden"
	default:
		return "review_" + strconv.Itoa(int(s))
	}
}

func ParseReviewState(s string) (ReviewState, error) {
	switch strings.ToLower(s) {
	case "unreviewed", "none":
		return Unreviewed, nil
	case "pass", "pass_review", "passed":
		return PassReview, nil
	case "reject", "rejected":
		return Reject, nil
	case "forbidden":
		return Forbidden, nil
	}
	return Unreviewed, fmt.Errorf("unknown review state %q", s)
}

// MetaKey ключ регистрации в директории.
type MetaKey struct {
	ServiceName string
	Address     Address
}

// RegisterMeta регистрация одного сервиса на одном адресе.
type RegisterMeta struct {
	ServiceName             string
	Address                 Address
	Weight                  int
	ConnCount               int
	IsVIPService            bool
	IsSupportDegradeService bool
	HasDegradeService       bool
	DegradeServicePath      string
	DegradeServiceDesc      string
	IsReviewed              ReviewState
}

func (m *RegisterMeta) Key() MetaKey {
	return MetaKey{ServiceName: m.ServiceName, Address: m.Address}
}

func (m RegisterMeta) String() string {
	return m.ServiceName + "@" + m.Address.String() + "(" + m.IsReviewed.String() + ")"
}
