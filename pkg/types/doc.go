/*
Package types defines the data model shared by every gateway package:
tenants and their enabled module sets, module and interface
descriptors, routing entries, install jobs and their per-item plan
descriptors, and the options controlling a module change.

All types are JSON-serializable; the storage layer and the replicated
maps persist them as JSON. Enumerations are typed string constants.
Mutations are not synchronized here; callers own locking.
*/
package types
