/*
Package metrics exposes Prometheus metrics and health reporting for tx.

Metrics are package-level collectors registered in init(), following the
convention that services increment counters at the point of decision
(claim won or lost, run reaped, sync op applied) while gauges are
refreshed by the Collector polling a StatsSource on an interval.

# Metric Inventory

Counters:
  - tx_claim_attempts_total{outcome}: claim coordinator outcomes
  - tx_leases_expired_total: overdue lease sweeps
  - tx_runs_reaped_total{reason}: reaper cancellations by stall reason
  - tx_heartbeats_ingested_total: heartbeat upserts
  - tx_sync_ops_total{kind,result}: JSONL import results
  - tx_sync_exports_total{kind}: JSONL exports
  - tx_migrations_applied_total: schema migrations applied

Gauges (Collector-refreshed):
  - tx_tasks_total{status}, tx_tasks_ready
  - tx_runs_total{status}, tx_workers_total{status}
  - tx_claims_active, tx_learnings_total

Histograms:
  - tx_recall_duration_seconds: hybrid retrieval latency

# Health

SetComponentHealth records per-component health; GetReadiness gates on
the critical set (storage, migrations). HealthHandler and ReadyHandler
serve the JSON endpoints for hosts that expose them.

# Usage

	metrics.ClaimAttempts.WithLabelValues("won").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecallDuration)

	collector := metrics.NewCollector(engine, 15*time.Second)
	collector.Start()
	defer collector.Stop()
*/
package metrics
