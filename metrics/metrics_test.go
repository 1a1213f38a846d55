package metrics_test

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/protocol"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RegistrationAdded(protocol.Unreviewed)
	m.RegistrationAdded(protocol.Unreviewed)
	m.ReviewChanged(protocol.Unreviewed, protocol.PassReview)
	m.Notification(protocol.SubscribeResult, nil)
	m.Notification(protocol.SubscribeResult, errors.New("conn lost"))
	m.CallStarted()
	m.CallDone(protocol.PublishService, "ok")

	n, err := testutil.GatherAndCount(reg, "registrar_registry_registrations", "registrar_registry_notifications_total")
	require.NoError(t, err)
	a.Equal(4, n)

	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	a.Contains(body, `registrar_registry_registrations{review_state="pass"} 1`)
	a.Contains(body, "registrar_remoting_pending_calls 0")
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.FrameIn(protocol.TypeRequest, protocol.Ack)
		m.ConnOpened()
		m.CallDone(protocol.Ack, "timeout")
		m.ProviderCall("orders", "ok")
	})
}
