// Package cache defines the named cache stores the offline engine reads and
// writes: an application-shell store, an API-response store and a
// user-downloaded content store. A Backend owns the set of stores and can drop
// a whole store at once; a Store maps a request key (method + URL) to a single
// entry whose replacement is atomic. The filesystem backend keeps one file per
// entry under StoragePath/<store>/ (temp file + rename); the Redis backend keeps
// one hash per entry written inside MULTI/EXEC.
package cache
