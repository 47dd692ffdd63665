/*
Package task implements the task graph: creation and updates under a
status state machine, blocking dependencies with cycle rejection,
readiness queries and subtree assembly.

Tasks are the unit of work agents coordinate on. Every mutation runs in
one transaction together with its event row, so the activity log never
disagrees with the graph.

# Architecture

One Service carries four method families over the same repositories:

	┌──────────────────────── TASK GRAPH ───────────────────────┐
	│                                                            │
	│  CRUD ───────── Create / Get / List / Update / Remove      │
	│                 status transitions enforced per the table  │
	│                                                            │
	│  Dependencies ─ AddBlocker / RemoveBlocker                 │
	│                 closure walk rejects cycles before insert  │
	│                                                            │
	│  Readiness ──── NextReady / IsReady / GetBlocking          │
	│                 ready status + zero open blockers          │
	│                                                            │
	│  Hierarchy ──── GetTree / GetDepth / GetRoots              │
	│                 cycle tolerant, each node emitted once     │
	└────────────────────────────────────────────────────────────┘

# Status Machine

New tasks always start in backlog. ValidTransitions in pkg/types is the
single authority; Update refuses any edge not in the table and reports
the rejected pair in a validation error. done is terminal except for the
explicit revive edges back to backlog and ready.

# TaskWithDeps Assembly

List-shaped calls return TaskWithDeps: the task plus its blockers, the
tasks it blocks, its children and an IsReady flag. Assembly runs three
grouped queries for the whole batch rather than per-task lookups, so a
500-task listing costs the same number of statements as a 5-task one.

# Usage

	svc := task.NewService(db, broker)
	created, err := svc.Create(ctx, task.CreateSpec{Title: "index the corpus"})
	if err != nil {
		return err
	}
	if err := svc.AddBlocker(ctx, created.ID, blockerID); err != nil {
		return err
	}
	next, err := svc.NextReady(ctx, 5)

# Integration Points

  - pkg/claim checks task existence before granting a lease
  - pkg/run resets reaped tasks back to ready through this state machine
  - pkg/jsonl replicates tasks and dependencies as upsert/delete and
    dep_add/dep_remove lines

# See Also

  - pkg/types for the Task model and the transition table
  - pkg/repo for the closure queries behind cycle rejection
*/
package task
