package prometheus

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittousb/pkg/metrics"
)

func TestConstructorsReturnNilWhenDisabled(t *testing.T) {
	metrics.Reset()

	assert.Nil(t, NewServerMetrics())
	assert.Nil(t, NewTransferMetrics())
	assert.Nil(t, NewRegistryMetrics())
}

func TestMetricsExposed(t *testing.T) {
	metrics.InitRegistry()
	t.Cleanup(metrics.Reset)

	sm := NewServerMetrics()
	tm := NewTransferMetrics()
	rm := NewRegistryMetrics()
	require.NotNil(t, sm)
	require.NotNil(t, tm)
	require.NotNil(t, rm)

	sm.RecordConnectionAccepted()
	sm.SetActiveConnections(2)
	sm.RecordRequest("OP_REQ_IMPORT", time.Millisecond, "ok")
	sm.RecordImport("1-1", "ok")
	sm.RecordProtocolError("malformed")
	tm.RecordSubmitted("bulk", "in")
	tm.RecordCompleted("bulk", "in", -32, 0, time.Millisecond)
	tm.RecordUnlink("cancelled")
	tm.RecordDiscarded()
	tm.SetPending(3)
	rm.SetDevices(1, 1)
	rm.RecordEvent("exported")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, want := range []string{
		"dittousb_connections_accepted_total 1",
		"dittousb_connections_active 2",
		`dittousb_requests_total{op="OP_REQ_IMPORT",status="ok"} 1`,
		`dittousb_urbs_completed_total{direction="in",status="-32",type="bulk"} 1`,
		`dittousb_urb_unlinks_total{result="cancelled"} 1`,
		"dittousb_urbs_pending 3",
		`dittousb_devices{state="exported"} 1`,
		"go_goroutines",
	} {
		assert.Contains(t, string(body), want)
	}
}
