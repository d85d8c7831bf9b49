// Package metrics exposes the application counters in Prometheus text format.
// This is part of the platform layer and contains no business logic.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// PingSent records an outbound ping webhook attempt by HTTP status
// ("200", "500", ...) or "error" on transport failure.
func PingSent(status string) {
	metrics.GetOrCreateCounter(`aurum_ping_sent_total{status="` + status + `"}`).Inc()
}

// ReminderSent records an outbound reminder webhook delivery.
func ReminderSent(status, kind, slot, reminderType string) {
	metrics.GetOrCreateCounter(
		`aurum_reminder_sent_total{status="` + status + `",kind="` + kind + `",slot="` + slot + `",type="` + reminderType + `"}`,
	).Inc()
}

// ReminderFailed records a failed reminder webhook delivery.
func ReminderFailed(kind, slot, reminderType string) {
	metrics.GetOrCreateCounter(
		`aurum_reminder_failed_total{kind="` + kind + `",slot="` + slot + `",type="` + reminderType + `"}`,
	).Inc()
}

// JobProcessed records a worker job completion by queue and outcome
// (success | skipped | error).
func JobProcessed(queue, outcome string) {
	metrics.GetOrCreateCounter(
		`aurum_worker_jobs_processed_total{queue="` + queue + `",outcome="` + outcome + `"}`,
	).Inc()
}

// StateUpdate records a lead state update attempt by result (ok | blocked | error).
func StateUpdate(result, operational string) {
	metrics.GetOrCreateCounter(
		`aurum_state_update_total{result="` + result + `",operational="` + operational + `"}`,
	).Inc()
}

// MessageIngested records webhook message ingestion by outcome (ok | deduped).
func MessageIngested(outcome string) {
	metrics.GetOrCreateCounter(`aurum_message_ingested_total{outcome="` + outcome + `"}`).Inc()
}

// WritePrometheus dumps all counters in Prometheus text exposition format.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
