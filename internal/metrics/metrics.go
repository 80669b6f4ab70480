// Package metrics provides Prometheus instrumentation for the moderation
// bot. It exposes counters for decisions and classifier outcomes,
// histograms for latency, and a gauge for events in flight.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisper/aimodbot/internal/moderation"
)

var (
	// MessagesTotal counts moderated messages by decision action.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aimodbot_messages_total",
		Help: "Total number of messages moderated, by decision",
	}, []string{"action"}) // action = "allow", "redact", "redact_form_violation"

	// ExemptTotal counts messages skipped because the sender is exempt.
	ExemptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aimodbot_exempt_messages_total",
		Help: "Messages from admins or privileged members",
	})

	// ClassificationsTotal counts classifier stage outcomes.
	ClassificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aimodbot_classifications_total",
		Help: "Classifier stage outcomes",
	}, []string{"status"})

	// ClassifierAttempts records how many requests each classification took.
	ClassifierAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aimodbot_classifier_attempts",
		Help:    "Requests made per classification",
		Buckets: []float64{1, 2, 3},
	})

	// ActionsTotal counts executor results for redacting decisions.
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aimodbot_actions_total",
		Help: "Redaction results",
	}, []string{"result"}) // result = "redacted", "already_redacted", "forbidden", "error"

	// PipelineLatency records end-to-end processing time per message.
	PipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aimodbot_pipeline_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// JoinNoticesTotal counts join notices sent.
	JoinNoticesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aimodbot_join_notices_total",
		Help: "Join notices sent",
	})

	// EventsInFlight tracks events currently held by workers.
	EventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aimodbot_events_in_flight",
		Help: "Events currently being processed",
	})

	// ConfigReloadsTotal counts config reloads by result.
	ConfigReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aimodbot_config_reloads_total",
		Help: "Configuration reloads",
	}, []string{"result"}) // result = "ok", "error"
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		ExemptTotal,
		ClassificationsTotal,
		ClassifierAttempts,
		ActionsTotal,
		PipelineLatency,
		JoinNoticesTotal,
		EventsInFlight,
		ConfigReloadsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Sink records pipeline outcomes as metrics.
type Sink struct{}

// Record implements moderation.Sink. It never fails.
func (Sink) Record(_ context.Context, o moderation.Outcome) error {
	MessagesTotal.WithLabelValues(o.Decision.Action.String()).Inc()
	PipelineLatency.Observe(o.Duration.Seconds())
	if o.Exempt {
		ExemptTotal.Inc()
	}
	if o.Classification != moderation.ClassificationNotRun {
		ClassificationsTotal.WithLabelValues(string(o.Classification)).Inc()
	}
	if o.Attempts > 0 {
		ClassifierAttempts.Observe(float64(o.Attempts))
	}
	if o.Decision.Action.Redacts() {
		ActionsTotal.WithLabelValues(actionResult(o.Execution)).Inc()
	}
	return nil
}

func actionResult(r moderation.ExecutionResult) string {
	var perr *moderation.ActionPermissionError
	switch {
	case r.Redacted:
		return "redacted"
	case r.AlreadyRedacted:
		return "already_redacted"
	case errors.As(r.Err, &perr):
		return "forbidden"
	default:
		return "error"
	}
}
