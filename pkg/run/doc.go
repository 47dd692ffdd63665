/*
Package run tracks agent executions: their lifecycle, their liveness
signals and the reaping of the ones that silently die.

A run is one agent process working, usually against a task. Supervisors
report progress as heartbeats; the reaper compares those signals against
thresholds and cancels runs that stopped making progress, optionally
putting their tasks back into circulation.

# Architecture

	┌────────────────────── RUN LIFECYCLE ──────────────────────┐
	│                                                            │
	│   Start ──► running ──┬──► Complete ──► completed          │
	│                       ├──► Fail ──────► failed             │
	│                       ├──► Cancel ────► cancelled          │
	│                       ├──► Timeout ───► failed             │
	│                       └──► Reap ──────► cancelled (137)    │
	│                                                            │
	│   Heartbeat ──► one row per run, upserted per beat         │
	│   Reaper ─────► ticker loop: ListStalled then Reap         │
	└────────────────────────────────────────────────────────────┘

Terminal states are final; ending an already-ended run reports a
conflict rather than overwriting history.

# Stall Classification

ListStalled classifies running runs against a StallPolicy:

  - transcript_idle: the transcript last grew longer ago than the
    threshold. This is the primary signal and always enabled.
  - heartbeat_stale: the last heartbeat check is older than the lag
    threshold. Enabled only when HeartbeatLag is set; a run matching
    both reports transcript_idle.

Runs that never reported a heartbeat are not classified: with no signal
there is nothing to measure staleness against.

Classification reads state and never mutates; Reap applies the policy,
cancelling each stalled run with exit code 137, expiring its claim and,
when ResetTask is set, moving its task back to ready. DryRun reports
what would happen without touching anything.

# Heartbeats

Heartbeat ingestion is an upsert keyed by run id: byte counters, the
check instant and the last observed activity instant. Cost per beat is
constant no matter how long the run has lived. PIDAlive and Terminate
give the reaper its process probes on the local machine.

# Usage

	svc := run.NewService(db, broker)
	r, err := svc.Start(ctx, run.StartInput{Agent: "planner", TaskID: &taskID})
	if err != nil {
		return err
	}

	reaper := run.NewReaper(svc, run.DefaultReapPolicy(5*time.Minute), 0)
	reaper.Start()
	defer reaper.Stop()

# Integration Points

  - pkg/claim leases expire alongside reaped runs
  - pkg/task receives the ready reset for reaped work
  - pkg/events records run_started, run_completed, run_failed and
    run_cancelled in the same transactions as the state changes

# See Also

  - pkg/types for Run and RunHeartbeat
  - pkg/engine for the reaper's configured thresholds
*/
package run
