package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

var (
	// ErrNotFound регистрации (сервис, адрес) нет в директории.
	ErrNotFound = errors.New("registration not found")
	// ErrNotReviewed деградировать можно только прошедшую ревью регистрацию.
	ErrNotReviewed = errors.New("registration is not reviewed")
	// ErrProviderGone соединение провайдера уже закрыто.
	ErrProviderGone = errors.New("provider connection is gone")
)

// Атрибуты соединения, по которым чистится директория при его закрытии.
var (
	publishedKey  = remoting.NewAttrKey[map[protocol.MetaKey]struct{}]("registry.published")
	subscribedKey = remoting.NewAttrKey[map[string]struct{}]("registry.subscribed")
)

// ConnSource находит живое соединение по id.
type ConnSource interface {
	Conn(id remoting.ConnID) (*remoting.Conn, bool)
}

type entry struct {
	meta  protocol.RegisterMeta
	owner remoting.ConnID
}

// Directory состояние реестра: регистрации по сервисам, обратный
// индекс по адресам и подписчики.
//
// byService и byAddress меняются вместе под mu. Подписчики живут
// под отдельным subMu. Рассылка уведомлений идет после снятия обоих локов.
type Directory struct {
	cfg      Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	attrs    *remoting.Attributes
	conns    ConnSource
	notifier *Notifier

	mu           sync.RWMutex
	byService    map[string]map[protocol.Address]*entry
	byAddress    map[protocol.Address]map[string]struct{}
	providerConn map[protocol.Address]remoting.ConnID

	subMu       sync.RWMutex
	subscribers map[string]map[remoting.ConnID]*remoting.Conn
}

func NewDirectory(
	cfg Config,
	log *zap.Logger,
	attrs *remoting.Attributes,
	conns ConnSource,
	notifier *Notifier,
	m *metrics.Metrics,
) *Directory {
	return &Directory{
		cfg:          cfg.withDefaults(),
		log:          log.Named("directory"),
		metrics:      m,
		attrs:        attrs,
		conns:        conns,
		notifier:     notifier,
		byService:    make(map[string]map[protocol.Address]*entry),
		byAddress:    make(map[protocol.Address]map[string]struct{}),
		providerConn: make(map[protocol.Address]remoting.ConnID),
		subscribers:  make(map[string]map[remoting.ConnID]*remoting.Conn),
	}
}

// Register добавляет регистрацию. Повторная публикация той же пары
// (сервис, адрес) ничего не меняет, кроме владельца, и не сбрасывает ревью.
func (d *Directory) Register(c *remoting.Conn, meta protocol.RegisterMeta) bool {
	key := meta.Key()
	if key.ServiceName == "" || key.Address.IsZero() {
		return false
	}
	if d.cfg.AutoReview {
		meta.IsReviewed = protocol.PassReview
	}

	var events []event
	d.mu.Lock()
	// после закрытия соединения его уже некому вычистить
	if c.Closed() {
		d.mu.Unlock()
		return false
	}
	svc, ok := d.byService[key.ServiceName]
	if !ok {
		svc = make(map[protocol.Address]*entry)
		d.byService[key.ServiceName] = svc
	}
	if e, ok := svc[key.Address]; ok {
		e.owner = c.ID()
	} else {
		svc[key.Address] = &entry{meta: meta, owner: c.ID()}
		d.metrics.RegistrationAdded(meta.IsReviewed)
		if meta.IsReviewed == protocol.PassReview {
			events = append(events, event{code: protocol.SubscribeResult, meta: meta})
		}
	}
	services, ok := d.byAddress[key.Address]
	if !ok {
		services = make(map[string]struct{})
		d.byAddress[key.Address] = services
	}
	services[key.ServiceName] = struct{}{}
	d.providerConn[key.Address] = c.ID()
	remoting.UpdateAttr(d.attrs, c.ID(), publishedKey, func(v map[protocol.MetaKey]struct{}, ok bool) map[protocol.MetaKey]struct{} {
		if !ok {
			v = make(map[protocol.MetaKey]struct{})
		}
		v[key] = struct{}{}
		return v
	})
	d.notify(events)
	d.mu.Unlock()

	c.Log().Debug("service published", zap.Stringer("meta", meta))
	return true
}

// Cancel удаляет регистрацию. false, если ее не было.
func (d *Directory) Cancel(c *remoting.Conn, key protocol.MetaKey) bool {
	remoting.UpdateAttr(d.attrs, c.ID(), publishedKey, func(v map[protocol.MetaKey]struct{}, ok bool) map[protocol.MetaKey]struct{} {
		if ok {
			delete(v, key)
		}
		return v
	})

	d.mu.Lock()
	e, ok := d.remove(key, 0)
	if ok && e.meta.IsReviewed == protocol.PassReview {
		d.notify([]event{{code: protocol.SubscribeResultCancel, meta: e.meta}})
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	c.Log().Debug("service publication canceled", zap.Stringer("meta", e.meta))
	return true
}

// remove удаляет регистрацию из обоих индексов. owner != 0 удаляет только
// регистрацию этого соединения. Вызывается под mu.
func (d *Directory) remove(key protocol.MetaKey, owner remoting.ConnID) (*entry, bool) {
	svc := d.byService[key.ServiceName]
	e, ok := svc[key.Address]
	if !ok || (owner != 0 && e.owner != owner) {
		return nil, false
	}
	delete(svc, key.Address)
	if len(svc) == 0 {
		delete(d.byService, key.ServiceName)
	}

	services := d.byAddress[key.Address]
	delete(services, key.ServiceName)
	if len(services) == 0 {
		delete(d.byAddress, key.Address)
		delete(d.providerConn, key.Address)
	}
	d.metrics.RegistrationRemoved(e.meta.IsReviewed)
	return e, true
}

// Subscribe подписывает соединение на сервис и возвращает снапшот
// регистраций, прошедших ревью. Подписчик добавляется до снятия снапшота,
// поэтому изменение между ними придет и в снапшоте, и пушем.
// false, если соединение уже закрыто.
func (d *Directory) Subscribe(c *remoting.Conn, service string) ([]protocol.RegisterMeta, bool) {
	d.subMu.Lock()
	if c.Closed() {
		d.subMu.Unlock()
		return nil, false
	}
	subs, ok := d.subscribers[service]
	if !ok {
		subs = make(map[remoting.ConnID]*remoting.Conn)
		d.subscribers[service] = subs
	}
	if _, ok := subs[c.ID()]; !ok {
		subs[c.ID()] = c
		d.metrics.SubscriptionAdded()
	}
	remoting.UpdateAttr(d.attrs, c.ID(), subscribedKey, func(v map[string]struct{}, ok bool) map[string]struct{} {
		if !ok {
			v = make(map[string]struct{})
		}
		v[service] = struct{}{}
		return v
	})
	d.subMu.Unlock()

	return d.Snapshot(service), true
}

// Unsubscribe false, если соединение не было подписано.
func (d *Directory) Unsubscribe(c *remoting.Conn, service string) bool {
	remoting.UpdateAttr(d.attrs, c.ID(), subscribedKey, func(v map[string]struct{}, ok bool) map[string]struct{} {
		if ok {
			delete(v, service)
		}
		return v
	})

	d.subMu.Lock()
	defer d.subMu.Unlock()
	return d.unsubscribe(c.ID(), service)
}

// Вызывается под subMu.
func (d *Directory) unsubscribe(id remoting.ConnID, service string) bool {
	subs, ok := d.subscribers[service]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(d.subscribers, service)
	}
	d.metrics.SubscriptionRemoved()
	return true
}

// Snapshot регистрации сервиса в состоянии PassReview, отсортированные по адресу.
func (d *Directory) Snapshot(service string) []protocol.RegisterMeta {
	d.mu.RLock()
	metas := make([]protocol.RegisterMeta, 0, len(d.byService[service]))
	for _, e := range d.byService[service] {
		if e.meta.IsReviewed == protocol.PassReview {
			metas = append(metas, e.meta)
		}
	}
	d.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool { return addressLess(metas[i].Address, metas[j].Address) })
	return metas
}

// Lookup текущая регистрация в любом состоянии ревью.
func (d *Directory) Lookup(key protocol.MetaKey) (protocol.RegisterMeta, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byService[key.ServiceName][key.Address]
	if !ok {
		return protocol.RegisterMeta{}, false
	}
	return e.meta, true
}

// Review меняет состояние ревью. Переход в PassReview рассылается
// подписчикам как добавление, уход из PassReview как удаление.
func (d *Directory) Review(key protocol.MetaKey, state protocol.ReviewState) bool {
	var events []event
	d.mu.Lock()
	e, ok := d.byService[key.ServiceName][key.Address]
	if ok {
		from := e.meta.IsReviewed
		e.meta.IsReviewed = state
		d.metrics.ReviewChanged(from, state)
		switch {
		case from != protocol.PassReview && state == protocol.PassReview:
			events = append(events, event{code: protocol.SubscribeResult, meta: e.meta})
		case from == protocol.PassReview && state != protocol.PassReview:
			events = append(events, event{code: protocol.SubscribeResultCancel, meta: e.meta})
		}
	}
	d.notify(events)
	d.mu.Unlock()
	if !ok {
		return false
	}

	d.log.Info("service reviewed", zap.String("name", key.ServiceName),
		zap.Stringer("address", key.Address), zap.Stringer("state", state))
	return true
}

// Degrade пересылает команду деградации провайдеру, владеющему адресом,
// и при успехе запоминает флаг в регистрации.
func (d *Directory) Degrade(ctx context.Context, body *protocol.DegradeServiceBody) (*protocol.AckBody, error) {
	key := protocol.MetaKey{ServiceName: body.ServiceName, Address: body.Address}

	d.mu.RLock()
	e, ok := d.byService[key.ServiceName][key.Address]
	var reviewed bool
	var owner remoting.ConnID
	if ok {
		reviewed = e.meta.IsReviewed == protocol.PassReview
		owner = d.providerConn[key.Address]
	}
	d.mu.RUnlock()

	switch {
	case !ok:
		return nil, fmt.Errorf("degrade %s@%s: %w", key.ServiceName, key.Address, ErrNotFound)
	case !reviewed:
		return nil, fmt.Errorf("degrade %s@%s: %w", key.ServiceName, key.Address, ErrNotReviewed)
	}
	c, ok := d.conns.Conn(owner)
	if !ok {
		return nil, fmt.Errorf("degrade %s@%s: %w", key.ServiceName, key.Address, ErrProviderGone)
	}

	req, err := remoting.NewRequestBody(d.cfg.Codec, protocol.DegradeService, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.InvokeSync(ctx, req, d.cfg.DegradeTimeout)
	if err != nil {
		return nil, fmt.Errorf("degrade %s@%s: %w", key.ServiceName, key.Address, err)
	}
	ack := new(protocol.AckBody)
	if err := resp.DecodeBody(d.cfg.Codec, ack); err != nil {
		return nil, err
	}
	if !ack.Success {
		return ack, nil
	}

	d.mu.Lock()
	if e, ok := d.byService[key.ServiceName][key.Address]; ok {
		e.meta.HasDegradeService = body.Degrade
	}
	d.mu.Unlock()
	d.log.Info("service degrade switched", zap.String("name", key.ServiceName),
		zap.Stringer("address", key.Address), zap.Bool("degrade", body.Degrade))
	return ack, nil
}

// Metrics описание одного сервиса или всех, если service пустой.
func (d *Directory) Metrics(service string) []protocol.ServiceMetrics {
	d.mu.RLock()
	var names []string
	if service != "" {
		names = []string{service}
	} else {
		names = make([]string, 0, len(d.byService))
		for name := range d.byService {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]protocol.ServiceMetrics, len(names))
	for i, name := range names {
		sm := protocol.ServiceMetrics{ServiceName: name}
		for _, e := range d.byService[name] {
			sm.ProviderInfos = append(sm.ProviderInfos, protocol.ProviderInfo{
				Host:             e.meta.Address.Host,
				Port:             e.meta.Address.Port,
				Weight:           e.meta.Weight,
				ReviewState:      e.meta.IsReviewed,
				IsDegradeService: e.meta.HasDegradeService,
				IsSupportDegrade: e.meta.IsSupportDegradeService,
				IsVIPService:     e.meta.IsVIPService,
			})
		}
		sort.Slice(sm.ProviderInfos, func(i, j int) bool {
			a, b := sm.ProviderInfos[i], sm.ProviderInfos[j]
			return addressLess(protocol.Address{Host: a.Host, Port: a.Port}, protocol.Address{Host: b.Host, Port: b.Port})
		})
		out[i] = sm
	}
	d.mu.RUnlock()

	d.subMu.RLock()
	for i := range out {
		for _, c := range d.subscribers[out[i].ServiceName] {
			addr := c.RemoteAddr()
			out[i].ConsumerInfos = append(out[i].ConsumerInfos, protocol.ConsumerInfo{Host: addr.Host, Port: addr.Port})
		}
	}
	d.subMu.RUnlock()

	for i := range out {
		sort.Slice(out[i].ConsumerInfos, func(a, b int) bool {
			x, y := out[i].ConsumerInfos[a], out[i].ConsumerInfos[b]
			return addressLess(protocol.Address{Host: x.Host, Port: x.Port}, protocol.Address{Host: y.Host, Port: y.Port})
		})
	}
	return out
}

// ConnectionInactive убирает все публикации и подписки закрытого соединения.
// Регистрации, которые уже переопубликованы другим соединением, не трогаются.
func (d *Directory) ConnectionInactive(addr protocol.Address, id remoting.ConnID) {
	// атрибуты забираются под теми же локами, под которыми их пополняют Register и Subscribe
	var events []event
	removed := 0
	d.mu.Lock()
	published, _ := remoting.TakeAttr(d.attrs, id, publishedKey)
	for key := range published {
		e, ok := d.remove(key, id)
		if !ok {
			continue
		}
		removed++
		if e.meta.IsReviewed == protocol.PassReview {
			events = append(events, event{code: protocol.SubscribeResultCancel, meta: e.meta})
		}
	}
	d.notify(events)
	d.mu.Unlock()

	d.subMu.Lock()
	subscribed, _ := remoting.TakeAttr(d.attrs, id, subscribedKey)
	for service := range subscribed {
		d.unsubscribe(id, service)
	}
	d.subMu.Unlock()

	if len(published) == 0 && len(subscribed) == 0 {
		return
	}
	d.log.Info("connection inactive, directory cleaned",
		zap.Uint64("conn-id", uint64(id)), zap.Stringer("remote", addr),
		zap.Int("registrations", removed), zap.Int("subscriptions", len(subscribed)))
}

// notify дополняет события текущими подписчиками и отдает их в очередь.
// Вызывается под d.mu: очередь не блокируется, а порядок событий
// совпадает с порядком изменений. Порядок локов: d.mu, затем subMu.
func (d *Directory) notify(events []event) {
	if len(events) == 0 || d.notifier == nil {
		return
	}
	d.subMu.RLock()
	for i := range events {
		for _, c := range d.subscribers[events[i].meta.ServiceName] {
			events[i].subscribers = append(events[i].subscribers, c)
		}
	}
	d.subMu.RUnlock()
	d.notifier.enqueue(events...)
}

func addressLess(a, b protocol.Address) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}
