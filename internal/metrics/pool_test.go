package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStorePoolCollectorReportsSnapshot(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(newStorePoolCollector("postgres", func() poolSnapshot {
		return poolSnapshot{
			acquired:        3,
			idle:            2,
			total:           5,
			limit:           10,
			acquireCount:    42,
			emptyAcquire:    7,
			canceledAcquire: 1,
			acquireDuration: 1500 * time.Millisecond,
		}
	}))

	expected := `
# HELP flagkit_store_pool_connections Flag store connections by state.
# TYPE flagkit_store_pool_connections gauge
flagkit_store_pool_connections{state="acquired",store="postgres"} 3
flagkit_store_pool_connections{state="idle",store="postgres"} 2
flagkit_store_pool_connections{state="total",store="postgres"} 5
# HELP flagkit_store_pool_waited_acquires_total Acquisitions that had to wait because the pool was empty.
# TYPE flagkit_store_pool_waited_acquires_total counter
flagkit_store_pool_waited_acquires_total{store="postgres"} 7
# HELP flagkit_store_pool_acquire_seconds_total Cumulative time spent acquiring connections.
# TYPE flagkit_store_pool_acquire_seconds_total counter
flagkit_store_pool_acquire_seconds_total{store="postgres"} 1.5
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"flagkit_store_pool_connections",
		"flagkit_store_pool_waited_acquires_total",
		"flagkit_store_pool_acquire_seconds_total",
	); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}
}

func TestRegisterPoolMetrics(t *testing.T) {
	// pgxpool connects lazily, so an unconnected pool still reports stats.
	pool, err := pgxpool.New(context.Background(), "")
	if err != nil {
		t.Skipf("unable to create pgxpool: %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	expected := fmt.Sprintf(`
# HELP flagkit_store_pool_max_connections Connection limit of the flag store pool.
# TYPE flagkit_store_pool_max_connections gauge
flagkit_store_pool_max_connections{store="postgres"} %d
# HELP flagkit_store_pool_acquires_total Successful connection acquisitions by flag lookups, saves and audit writes.
# TYPE flagkit_store_pool_acquires_total counter
flagkit_store_pool_acquires_total{store="postgres"} 0
`, pool.Stat().MaxConns())

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"flagkit_store_pool_max_connections",
		"flagkit_store_pool_acquires_total",
	); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(mfs) != 6 {
		t.Errorf("metric families = %d, want 6", len(mfs))
	}
}
