package membership

import (
	metrics "github.com/docker/go-metrics"
)

var (
	opCounter metrics.LabeledCounter
	txnTimer  metrics.Timer
)

func init() {
	ns := metrics.NewNamespace("mcastkit", "membership", nil)
	opCounter = ns.NewLabeledCounter("operations", "The number of membership rows added or removed", "op")
	for _, op := range []string{"add", "remove"} {
		opCounter.WithValues(op).Inc(0)
	}
	txnTimer = ns.NewTimer("transaction_latency", "The number of seconds it takes to run a membership write transaction")
	metrics.Register(ns)
}
