// Package contracts provides the core types shared by the resilsync engine.
//
// This package defines the data model that flows through the system:
//   - SyncRequest: one imperative unit of sync work
//   - SyncResult: the structured outcome returned to callers
//   - CrisisContext / CrisisResult: the safety-critical fast-path types
//   - RemoteSyncInvoker: the injected remote operation contract
//
// Types here carry no behavior beyond construction and simple accessors so
// that every other package can depend on them without cycles.
package contracts
