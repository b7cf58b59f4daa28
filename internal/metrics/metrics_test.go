package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rewired-gh/govpower/internal/models"
)

func TestCollector_Counters(t *testing.T) {
	c := New()
	c.ChangeRecorded("delegate")
	c.ChangeRecorded("delegate")
	c.ChangeRecorded("acquire")
	c.UpstreamError("record_change")
	c.CacheHit("addr")
	c.CacheMiss("snapshot")
	c.CacheMiss("snapshot")
	c.AlertSent()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"delegate changes", testutil.ToFloat64(c.changes.WithLabelValues("delegate")), 2},
		{"acquire changes", testutil.ToFloat64(c.changes.WithLabelValues("acquire")), 1},
		{"upstream errors", testutil.ToFloat64(c.upstreamErrors.WithLabelValues("record_change")), 1},
		{"address hits", testutil.ToFloat64(c.cacheHits.WithLabelValues("addr")), 1},
		{"snapshot misses", testutil.ToFloat64(c.cacheMisses.WithLabelValues("snapshot")), 2},
		{"alerts", testutil.ToFloat64(c.alertsSent), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestCollector_Gauges(t *testing.T) {
	c := New()
	c.TrackedAddresses(12)
	c.SnapshotBuilt(15*time.Millisecond, 12)
	c.ConcentrationComputed(models.ConcentrationMetrics{Gini: 0.4667, HHI: 0.66, Nakamoto: 1, Risk: models.RiskCritical})

	if got := testutil.ToFloat64(c.trackedAddresses); got != 12 {
		t.Errorf("tracked = %v, want 12", got)
	}
	if got := testutil.ToFloat64(c.gini); got != 0.4667 {
		t.Errorf("gini = %v, want 0.4667", got)
	}
	if got := testutil.ToFloat64(c.riskLevel); got != 3 {
		t.Errorf("risk = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(c.snapshotDuration); n != 1 {
		t.Errorf("snapshot histogram series = %d, want 1", n)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.ChangeRecorded("transfer_in")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `govpower_power_changes_total{change_type="transfer_in"} 1`) {
		t.Errorf("exposition missing change counter:\n%s", body)
	}
}
