package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("")
	c.RecordTransition("finish", 4)
	c.RecordSettlement(150*time.Millisecond, 3)
	c.RecordTransaction("income")
	c.RecordTransaction("income")
	c.RecordAction("produce", "rejected")

	if got := testutil.ToFloat64(c.currentCycle); got != 4 {
		t.Fatalf("current cycle=%v", got)
	}
	if got := testutil.ToFloat64(c.suppliesResolved); got != 3 {
		t.Fatalf("supplies resolved=%v", got)
	}
	if got := testutil.ToFloat64(c.transactions.WithLabelValues("income")); got != 2 {
		t.Fatalf("income txs=%v", got)
	}
	if got := testutil.ToFloat64(c.actions.WithLabelValues("produce", "rejected")); got != 1 {
		t.Fatalf("rejected actions=%v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordTransition("start", 1)
	c.RecordSettlement(time.Second, 1)
	c.RecordTransaction("seed")
	c.RecordAction("ship", "ok")
}
