package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_engine_events_total",
		Help: "Change events handled by the view loop.",
	}, []string{"result"})
	conflictsSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_engine_conflicts_seen_total",
		Help: "Events that reported conflicting sibling revisions.",
	})
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_engine_resolutions_total",
		Help: "Conflict resolution passes by outcome.",
	}, []string{"outcome"})
	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_engine_queue_dropped_total",
		Help: "Change events dropped on a full loop queue.",
	})
	indexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_engine_index_size",
		Help: "Messages resident in the ordered index.",
	})
)
