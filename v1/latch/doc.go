// Package latch provides per-resource exclusive locks with strict FIFO
// ordering and bounded hold times. Each resource id gets its own ticket-based
// lock, created on first use and forgotten once it has no holder and no
// waiters. An optional hold timeout forces release of unresponsive holders,
// and the OnLocalUnlock hook lets an external coordination layer observe idle
// transitions without being part of the core.
package latch
