package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestSeriesExposed(t *testing.T) {
	ObserveRecovery("averaging", "active", 20*time.Millisecond)
	IncDiscrepancy("size-adjusted")
	IncProtectiveOrder()
	IncMonitorCheck("ok")
	SetMonitorTasks(3)
	SetBreakerState("binance", 1)

	body := scrape(t)
	assert.Contains(t, body, `keeper_recoveries_total{status="active",strategy="averaging"}`)
	assert.Contains(t, body, `keeper_discrepancies_total{kind="size-adjusted"}`)
	assert.Contains(t, body, "keeper_protective_orders_synthesized_total")
	assert.Contains(t, body, "keeper_monitor_tasks 3")
	assert.Contains(t, body, `keeper_exchange_breaker_state{name="binance"} 1`)
	assert.Contains(t, body, "keeper_recovery_duration_seconds_bucket")
}
