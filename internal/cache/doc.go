// Package cache implements the bounded on-disk image cache used by the node.
// Entries are addressed by a lowercase key, sharded into two-character
// directories (ab/cd/ef/01/<key>.<slot>) and tracked by an append-only journal
// so that the index survives crashes and restarts. Writers obtain an exclusive
// Editor per key and either commit or abort; readers hold a Snapshot which
// pins the entry's files until closed, even if the entry is evicted meanwhile.
// The package also provides the streaming Tee used by the proxy to serve an
// upstream body to the client while persisting it through an Editor.
package cache
