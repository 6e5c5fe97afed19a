package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	putsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_puts_total",
		Help: "Committed local document writes.",
	})
	putsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_puts_stale_total",
		Help: "Writes rejected because the parent revision was stale.",
	})
	pullsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_pulls_total",
		Help: "Revisions ingested from replication.",
	})
	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_conflicts_total",
		Help: "Conflicting sibling leaves created by replication.",
	})
	prunesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_pruned_leaves_total",
		Help: "Losing sibling leaves removed after conflict resolution.",
	})
	fanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_feed_dropped_total",
		Help: "Change events dropped on full subscriber buffers.",
	})
)
