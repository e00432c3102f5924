package readindex

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
)

const (
	defaultResolverCacheTTL        = 15 * time.Minute
	defaultResolverCleanupInterval = defaultResolverCacheTTL
)

// CollisionResolver confirms that an index entry really belongs to the stream it was looked up for.
// Records never move or change, so the owner of a position is cached once it has been read.
type CollisionResolver struct {
	log    persistence.TransactionLog
	owners *cache.Cache
	ttl    time.Duration
}

func NewCollisionResolver(tlog persistence.TransactionLog, ttl, cleanupInterval time.Duration) *CollisionResolver {
	if ttl <= 0 {
		ttl = defaultResolverCacheTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = defaultResolverCleanupInterval
	}
	return &CollisionResolver{
		log:    tlog,
		owners: cache.New(ttl, cleanupInterval),
		ttl:    ttl,
	}
}

// Verify fetches the record an entry points to and reports whether it belongs to streamID.
// A mismatch is a collision with another stream and is not an error; errors are consistency violations.
func (r *CollisionResolver) Verify(entry IndexEntry, streamID string) (persistence.LogRecord, bool, error) {
	key := entry.Position.String()
	if owner, ok := r.owners.Get(key); ok && owner.(string) != streamID {
		return persistence.LogRecord{}, false, nil
	}
	rec, err := r.read(entry)
	if err != nil {
		return persistence.LogRecord{}, false, err
	}
	r.owners.Set(key, rec.StreamID, r.ttl)
	if rec.StreamID != streamID {
		return persistence.LogRecord{}, false, nil
	}
	if rec.EventNumber != entry.EventNumber {
		log.WithFields(log.Fields{
			"stream":   streamID,
			"position": entry.Position.String(),
			"indexed":  entry.EventNumber,
			"stored":   rec.EventNumber,
		}).Error("index entry disagrees with log record")
		return persistence.LogRecord{}, false, errors.Wrapf(persistence.ErrIndexInconsistent,
			"entry %d@%s at %s points to event %d", entry.EventNumber, streamID, entry.Position, rec.EventNumber)
	}
	return rec, true, nil
}

// Owns reports whether the entry belongs to streamID, reading the log only on a cache miss.
func (r *CollisionResolver) Owns(entry IndexEntry, streamID string) (bool, error) {
	if owner, ok := r.owners.Get(entry.Position.String()); ok {
		return owner.(string) == streamID, nil
	}
	_, ok, err := r.Verify(entry, streamID)
	return ok, err
}

// Remember records the owner of a freshly written position so the first read skips foreign entries.
func (r *CollisionResolver) Remember(pos persistence.Position, streamID string) {
	r.owners.Set(pos.String(), streamID, r.ttl)
}

func (r *CollisionResolver) read(entry IndexEntry) (persistence.LogRecord, error) {
	rec, err := r.log.ReadAt(entry.Position)
	if err == nil {
		return rec, nil
	}
	// the index only holds positions of committed records, so even a missing record is corruption
	if errors.Is(err, persistence.ErrPositionOutOfRange) {
		err = errors.Wrap(persistence.ErrIndexInconsistent, err.Error())
	}
	log.WithFields(log.Fields{
		"position": entry.Position.String(),
		"error":    err,
	}).Error("cannot dereference index entry")
	return persistence.LogRecord{}, err
}
