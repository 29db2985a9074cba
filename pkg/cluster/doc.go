/*
Package cluster joins gateway instances into a Raft cluster and backs
the replicated maps with it.

Every instance embeds a Raft node. The finite state machine
materializes the named replicated maps from the log; reads are served
locally on any member, writes go through the log. A follower relays
writes to the leader over a small internal HTTP endpoint, so callers
never care which instance they hit.

# Architecture

	┌─────────────── GATEWAY CLUSTER ────────────────┐
	│                                                 │
	│  Node A (leader)      Node B         Node C     │
	│  ┌───────────┐    ┌───────────┐  ┌───────────┐  │
	│  │ Raft log  │───▶│ Raft log  │─▶│ Raft log  │  │
	│  │ FSM: maps │    │ FSM: maps │  │ FSM: maps │  │
	│  └─────▲─────┘    └─────┬─────┘  └───────────┘  │
	│        │   forward      │                       │
	│        └────────────────┘                       │
	└─────────────────────────────────────────────────┘

Writes apply on the leader and replicate through the log. The FSM
state is an in-memory map of maps, snapshotted as JSON.

# Leadership

The node answers IsLeader for the timer scheduler: all instances keep
timers armed, only the leader's fire. Leadership changes need no
handover; the next tick on the new leader fires.

# Usage

Bootstrap the first node:

	node, err := cluster.NewNode(&cluster.Config{
		NodeID:    "okapi-1",
		BindAddr:  "10.0.0.1:9300",
		APIAddr:   "10.0.0.1:9301",
		DataDir:   "/var/lib/okapi/raft",
		Bootstrap: true,
	})

Join further nodes through any member:

	err := cluster.Join("10.0.0.1:9301", "okapi-2", "10.0.0.2:9300")

The node satisfies replicated.Backend, so typed maps bind directly:

	tenants := replicated.NewMap1[*types.Tenant](node, "tenants")
*/
package cluster
