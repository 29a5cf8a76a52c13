package realtime

import "sync/atomic"

// Counters tracks connection and delivery totals for observability.
type Counters struct {
	BuilderConnects     atomic.Int64
	BuilderDisconnects  atomic.Int64
	ConsumerConnects    atomic.Int64
	ConsumerDisconnects atomic.Int64
	Delivered           atomic.Int64
	Dropped             atomic.Int64
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"builder_connects":     c.BuilderConnects.Load(),
		"builder_disconnects":  c.BuilderDisconnects.Load(),
		"consumer_connects":    c.ConsumerConnects.Load(),
		"consumer_disconnects": c.ConsumerDisconnects.Load(),
		"delivered":            c.Delivered.Load(),
		"dropped":              c.Dropped.Load(),
	}
}
