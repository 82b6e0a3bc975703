// Package cache defines the versioned response store used by the worker. A
// Storage holds named stores (one per cache version, e.g.
// offline-hub-cache-v2.0.0); each Cache maps a GET request key to a stored
// response (status, headers, body). Writes are atomic per key: the fs backend
// uses temp file + rename, the sqlite backend a single upsert. Deleting a store
// that no longer exists is a no-op, and writing into a deleted store fails with
// ErrStoreNotFound instead of recreating it, so version cleanup cannot be undone
// by a late background write.
package cache
