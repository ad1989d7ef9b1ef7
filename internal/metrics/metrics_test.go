package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	// Reset default registry for test isolation
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := New()

	// Verify metrics can be used without panic
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Set(5)
	m.ResidentRooms.Set(2)
	m.OperationsTotal.WithLabelValues("element_start").Inc()
	m.OperationsTotal.WithLabelValues("element_update").Inc()
	m.RejectedOpsTotal.Inc()
	m.BatchesTotal.Inc()
	m.BatchSize.Observe(12)
	m.CacheErrorsTotal.Inc()
	m.FanoutPublished.WithLabelValues("operation").Inc()
	m.FanoutPublished.WithLabelValues("batch").Inc()
	m.FanoutReceived.WithLabelValues("own").Inc()
	m.FanoutReceived.WithLabelValues("foreign").Inc()
	m.ErrorsTotal.WithLabelValues("accept_failure").Inc()

	// Verify metrics are gathered
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"inksync_connections_total",
		"inksync_active_connections",
		"inksync_resident_rooms",
		"inksync_operations_total",
		"inksync_rejected_operations_total",
		"inksync_batches_total",
		"inksync_batch_size",
		"inksync_cache_errors_total",
		"inksync_fanout_published_total",
		"inksync_fanout_received_total",
		"inksync_errors_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}
