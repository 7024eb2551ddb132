package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := snapshotsTotal
	Init()

	if first == nil || snapshotsTotal != first {
		t.Fatal("Init() should create collectors exactly once")
	}
	if httpRequestsTotal == nil || remoteFetchesInFlight == nil || remoteFetchWaitSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveSnapshot(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(snapshotsTotal.WithLabelValues("success"))
	errBefore := testutil.ToFloat64(snapshotsTotal.WithLabelValues("error"))

	ObserveSnapshot(nil)
	ObserveSnapshot(errors.New("blob down"))
	ObserveSnapshot(nil)

	if got := testutil.ToFloat64(snapshotsTotal.WithLabelValues("success")) - okBefore; got != 2 {
		t.Errorf("expected 2 successful snapshots, got %f", got)
	}
	if got := testutil.ToFloat64(snapshotsTotal.WithLabelValues("error")) - errBefore; got != 1 {
		t.Errorf("expected 1 failed snapshot, got %f", got)
	}
}

func TestRemoteFetchMetrics(t *testing.T) {
	Init()
	before := testutil.ToFloat64(remoteFetchesInFlight)

	IncRemoteFetches()
	IncRemoteFetches()
	DecRemoteFetches()
	if got := testutil.ToFloat64(remoteFetchesInFlight) - before; got != 1 {
		t.Errorf("expected 1 in-flight fetch, got %f", got)
	}
	DecRemoteFetches()

	ObserveRemoteFetchWait("responseContent", 20*time.Millisecond)
	if n := testutil.CollectAndCount(remoteFetchWaitSeconds); n < 1 {
		t.Errorf("expected fetch wait histogram to be observed, got %d series", n)
	}
}
