/*
Package master implements the scheduling core of a Quarry cluster.

The master admits queries from query control sessions, keeps them in
per-state lists, dispatches them onto idle workers and preempts running
work when the policy calls for it. It owns two tables:

	┌──────────────────────────────┐   ┌──────────────────────────────┐
	│          QueryTable          │   │         WorkerTable          │
	│  ready → running → completed │   │   idle ↔ busy, disconnected  │
	│            └→ canceled       │   │                              │
	└──────────────────────────────┘   └──────────────────────────────┘

Each table has a single mutex. Every routine that needs both acquires
the worker table first and the query table second, and releases in
reverse; this fixed order is the only deadlock discipline in the
process.

# Scheduling policies

FIFO keeps the ready list in admission order and never preempts.
PRIORITY keeps it ordered by ascending priority, breaking ties by the
time a query entered ready and then by admission sequence. Under
PRIORITY a dedicated aging task samples at a tenth of the configured
interval, decrementing the priority of queries that sat a full interval
in ready so nothing starves, and follows every sweep with a preemption
check.

# Preemption

When a ready query has a strictly better priority than the worst
running one, the master sends EJECT_QUERY to the victim's worker and
waits. The worker finishes its current instruction, writes its dirty
pages back and answers EJECT_RES with the next unexecuted instruction
index; only then does the victim re-enter ready. A worker disconnect is
treated as the final answer for anything it was running.

# Failure handling

A failed dispatch send reverts atomically: the query keeps its policy
position in ready and the worker returns to idle. A client disconnect
cancels its ready queries immediately and ejects its running one,
finishing the teardown when the worker responds. Terminal queries are
reported to the originating query control and, when enabled, journaled
through the history package.
*/
package master
