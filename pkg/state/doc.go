// Package state persists cache slices behind a small Store contract.
//
// A Store loads, saves and deletes one snapshot per Ref. Refs are keyed by
// the owning cache kind and the slice key (for example "features" and
// "project/12/environment/abc"), so a Redis deployment can share warm slices
// between processes while tests and the CLI use MemoryStore.
//
// Update is the only read-modify-write path. It checks the caller's
// expected ETag against the stored one, applies a Mutator to the loaded
// snapshot and saves it with a fresh SnapshotID and a content ETag:
//
//	Store.Load -> ETag check -> Mutator -> Store.Save
//
// Stores that can do this atomically implement Updater and Update defers to
// them.
package state
