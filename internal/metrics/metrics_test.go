package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAppend(t *testing.T) {
	okBefore := testutil.ToFloat64(LogAppendsTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(LogAppendsTotal.WithLabelValues("error"))

	RecordAppend(nil)
	RecordAppend(errors.New("disk full"))
	RecordAppend(nil)

	if got := testutil.ToFloat64(LogAppendsTotal.WithLabelValues("ok")) - okBefore; got != 2 {
		t.Errorf("expected 2 ok appends, got %v", got)
	}
	if got := testutil.ToFloat64(LogAppendsTotal.WithLabelValues("error")) - errBefore; got != 1 {
		t.Errorf("expected 1 failed append, got %v", got)
	}
}

func TestConnectionsGauge(t *testing.T) {
	before := testutil.ToFloat64(HubConnectionsActive)
	IncrementConnections()
	IncrementConnections()
	DecrementConnections()
	if got := testutil.ToFloat64(HubConnectionsActive) - before; got != 1 {
		t.Errorf("expected gauge delta 1, got %v", got)
	}
}
