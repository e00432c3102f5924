// Package readindex maps stream names and event numbers onto records of a persistence.TransactionLog.
//
// The index is keyed by a 64-bit hash of the stream name. Distinct streams may share a hash,
// so every index entry is verified against the stream name stored in the log record before it
// is trusted (CollisionResolver). The StreamMetaCache holds the authoritative last event number
// and deletion state of each stream.
//
// Mutation happens on a single goroutine owned by the Committer, in the order
// log append, hash index insert, metadata advance. Readers never lock against the writer:
// the hash index is read through copy-on-write snapshots, so a reader that observes an
// advanced last event number always finds the matching index entry.
//
//	engine := readindex.NewEngine(memlog.New(), readindex.Options{})
//	defer engine.Close()
//	_, _ = engine.AppendEvents(ctx, "orders-1", persistence.NoStream, events)
//	res, _ := engine.ReadEvent("orders-1", 0)
package readindex
