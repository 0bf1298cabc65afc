package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts sync activity. Counters built with a nil registerer still work;
// they are just not exported.
type Metrics struct {
	Snapshots          prometheus.Counter
	NewNotes           prometheus.Counter
	PagesLoaded        prometheus.Counter
	StaleDiscarded     prometheus.Counter
	SubscriptionErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatter",
			Subsystem: "sync",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		Snapshots:          counter("snapshots_total", "Tail snapshots applied to the note cache."),
		NewNotes:           counter("new_notes_total", "Notes that arrived after a session's first snapshot."),
		PagesLoaded:        counter("pages_loaded_total", "Older pages merged into the note cache."),
		StaleDiscarded:     counter("stale_discarded_total", "Snapshots and pages dropped because the session had moved on."),
		SubscriptionErrors: counter("subscription_errors_total", "Live subscriptions that failed to open or ended with an error."),
	}
	if reg != nil {
		reg.MustRegister(m.Snapshots, m.NewNotes, m.PagesLoaded, m.StaleDiscarded, m.SubscriptionErrors)
	}
	return m
}
