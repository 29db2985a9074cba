/*
Package lifecycle implements the tenant lifecycle manager: tenants,
the modules enabled for each of them, the hook protocol a module
change runs, install jobs and per-tenant timers.

# Architecture

	┌──────────────── LIFECYCLE MANAGER ────────────────┐
	│                                                    │
	│  Tenant CRUD ──▶ store (bbolt) ──▶ replicated map  │
	│                                                    │
	│  Module change:                                    │
	│    1. announce permissions of the new module       │
	│    2. invoke the module's _tenant hook             │
	│    3. bootstrap a new permissions module           │
	│    4. commit: store, map, timer reload event       │
	│                                                    │
	│  Install jobs: plan (depresolve) ─▶ run item by    │
	│  item with persisted stages ─▶ undeploy leftovers  │
	│                                                    │
	│  Timers: armed everywhere, fired by the leader     │
	└────────────────────────────────────────────────────┘

# Consistency

The bbolt store is the durable source of truth; the replicated map is
the shared view other instances read. Every mutation writes the store
first and the map second, so a crash between the two loses visibility
but never durability. A committed module change publishes a timer
reload event; each instance's scheduler re-reads the tenant and
re-arms.

# Module changes

A change is enable, disable, upgrade or purge of one module for one
tenant. Validation (version resolution, dependency and conflict
checks) happens before any hook runs; the change only commits after
every hook succeeded, so a failing module leaves the tenant's enabled
set untouched.

Install jobs are multi-module changes. The plan comes from
depresolve.InstallSimulate and is executed item by item, each item
stepping through deploy, invoke and done stages persisted in the
replicated job map. Failed items record their error; later items run
only when errors are ignored.

# Timers

Modules declare timer routing entries under a _timer system
interface. The scheduler arms one goroutine per entry on every
instance and consults the cluster leader at each tick, so a timer
fires exactly once per period across the cluster and keeps firing
through instance failures.
*/
package lifecycle
