/*
Package types defines the entity model shared by every tx component.

All entities are plain structs linked by opaque ids rather than pointers;
repositories resolve the links. Closed vocabularies (task status, claim
status, run status, anchor kind, edge type, event type) are string-typed
constants with validity helpers, and the schema mirrors them as CHECK
constraints.

# Entities

Task:
  - Unit of work with an 11-char id ("tx-" + 8 lowercase alphanumerics)
  - Status walks the ValidTransitions table; done is terminal apart from
    the explicit revive entries
  - CompletedAt is non-null exactly when status is done

TaskWithDeps:
  - The canonical response shape: Task plus blockedBy, blocks, children
    and isReady
  - No surface returns a bare Task

Dependency:
  - Directed blocker -> blocked pair; self-blocks and cycles are rejected
    by the dependency service before insert

Worker and Claim:
  - A worker is a registered executor; a claim leases a task to a worker
    until lease_expires_at
  - At most one active claim exists per task, enforced by a partial unique
    index and the claim coordinator's serialized transaction

Run and RunHeartbeat:
  - A run is one agent invocation with captured output paths and a
    metadata.logCapture contract
  - RunHeartbeat carries the progress counters the reaper classifies on

Learning, Anchor, Edge:
  - Learnings are append-only insights indexed for BM25 search
  - Anchors bind learnings to file locations (glob, hash, symbol or
    line_range)
  - Edges connect learning/file/run/task nodes with a weight in (0,1]

Attempt, FileLearning, Event:
  - Append-only auxiliary logs; events use the closed EventTypes
    vocabulary

# Status Transitions

	backlog ──▶ ready ──▶ active ──▶ review ──▶ done
	    │          ▲          │          │
	    ▼          │          ▼          ▼
	planning    blocked   human_needs_to_review

CanTransition consults ValidTransitions; a same-status update is always
legal. The done -> backlog/ready entries implement revive.

# See Also

  - pkg/task for the services that enforce the task invariants
  - pkg/repo for the row mapping layer
  - pkg/jsonl for how these entities serialize to the replication log
*/
package types
