package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesDelivered prometheus.Counter
	EventsDropped     prometheus.Counter
	Demotions         prometheus.Counter
	Promotions        prometheus.Counter
	Sessions          *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_messages_delivered_total",
			Help: "Message events enqueued to session buffers.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_events_dropped_total",
			Help: "Droppable events shed under buffer pressure.",
		}),
		Demotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_session_demotions_total",
			Help: "Sessions demoted from live delivery.",
		}),
		Promotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_session_promotions_total",
			Help: "Sessions promoted back to live delivery.",
		}),
		Sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huddle_sessions",
			Help: "Current sessions by delivery mode.",
		}, []string{"mode"}),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
