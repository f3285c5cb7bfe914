// Package distrib provides process-level fan-out and the loopback
// collective-communication group for multi-device training.
//
// In distributed mode the launcher re-executes itself once per visible
// device. The workers form a process group over a fixed local TCP
// address (127.0.0.1:12355 by default): rank 0 listens, the other ranks
// dial in. The group supports the two collectives the trainer needs —
// Barrier and AllReduceMean (gradient averaging) — and is torn down
// explicitly at the end of each worker's run.
package distrib
