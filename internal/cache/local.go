package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"go.etcd.io/bbolt"

	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/envelope"
	"github.com/Norgate-AV/linter-cache/internal/fingerprint"
)

const (
	// dbFile is the BoltDB file inside the cache directory
	dbFile = "cache.db"

	// entriesBucket holds one Entry per fingerprint digest
	entriesBucket = "results"

	// statsBucket holds the hit, miss and cacheable counters
	statsBucket = "stats"
)

var (
	hitsKey      = []byte("hits")
	missesKey    = []byte("misses")
	cacheableKey = []byte("cacheable")
)

// Local stores results in a BoltDB file. The database is opened for each
// operation so sibling processes are not locked out while an analyzer runs.
type Local struct {
	dir     string
	timeout time.Duration
	log     log.Interface
}

// NewLocal creates the local backend rooted at cfg.CacheDir
func NewLocal(cfg *config.Config, logger log.Interface) *Local {
	return &Local{
		dir:     cfg.CacheDir,
		timeout: cfg.LockTimeout,
		log:     logger,
	}
}

// Path returns the database file
func (l *Local) Path() string {
	return filepath.Join(l.dir, dbFile)
}

// update opens the database, runs fn in a read-write transaction and closes it
func (l *Local) update(fn func(tx *bbolt.Tx) error) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bbolt.Open(l.Path(), 0o600, &bbolt.Options{Timeout: l.timeout})
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{entriesBucket, statsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		return fn(tx)
	})
}

// Lookup returns the stored envelope for fp and counts the outcome
func (l *Local) Lookup(_ context.Context, fp *fingerprint.Fingerprint) (*envelope.Envelope, Decision, error) {
	var entry *Entry

	err := l.update(func(tx *bbolt.Tx) error {
		stats := tx.Bucket([]byte(statsBucket))

		data := tx.Bucket([]byte(entriesBucket)).Get([]byte(fp.Digest.Encoded()))
		if data != nil {
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("failed to decode cache entry: %w", err)
			}

			entry = &e
		}

		if entry != nil {
			if err := increment(stats, hitsKey); err != nil {
				return err
			}
		} else if err := increment(stats, missesKey); err != nil {
			return err
		}

		return increment(stats, cacheableKey)
	})
	if err != nil {
		return nil, Miss, err
	}

	if entry == nil {
		l.log.WithField("digest", fp.Digest.String()).Debug("local cache miss")
		return nil, Miss, nil
	}

	env, err := envelope.Decode(entry.Envelope)
	if err != nil {
		return nil, Miss, err
	}

	l.log.WithFields(log.Fields{
		"digest": fp.Digest.String(),
		"stored": entry.Timestamp.Format(time.RFC3339),
	}).Debug("local cache hit")

	return env, Hit, nil
}

// Store saves env under fp, replacing any concurrent sibling's entry
func (l *Local) Store(_ context.Context, fp *fingerprint.Fingerprint, env *envelope.Envelope) error {
	encoded, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	entry := Entry{
		Digest:    fp.Digest.String(),
		Source:    fp.Inputs.Source.Path,
		Analyzer:  fp.Inputs.Analyzer,
		Timestamp: time.Now(),
		Envelope:  encoded,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	err = l.update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).Put([]byte(fp.Digest.Encoded()), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	l.log.WithField("digest", fp.Digest.String()).Debug("local cache store")

	return nil
}

// Abort has nothing to undo; the miss was already counted by Lookup
func (l *Local) Abort() error {
	return nil
}

// Stats returns the counters and the number of stored entries
func (l *Local) Stats(_ context.Context) (Stats, error) {
	var s Stats

	err := l.update(func(tx *bbolt.Tx) error {
		stats := tx.Bucket([]byte(statsBucket))
		s.Hits = counter(stats, hitsKey)
		s.Misses = counter(stats, missesKey)
		s.Cacheable = counter(stats, cacheableKey)
		s.Entries = int64(tx.Bucket([]byte(entriesBucket)).Stats().KeyN)
		s.Size = tx.Size()

		return nil
	})

	return s, err
}

// ZeroStats resets the counters but keeps the entries
func (l *Local) ZeroStats(_ context.Context) error {
	return l.update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(statsBucket)); err != nil {
			return err
		}

		_, err := tx.CreateBucket([]byte(statsBucket))
		return err
	})
}

// Clear removes every stored entry
func (l *Local) Clear(_ context.Context) error {
	return l.update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(entriesBucket)); err != nil {
			return err
		}

		_, err := tx.CreateBucket([]byte(entriesBucket))
		return err
	})
}

func increment(b *bbolt.Bucket, key []byte) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(counter(b, key)+1))

	return b.Put(key, buf)
}

func counter(b *bbolt.Bucket, key []byte) int64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}

	return int64(binary.BigEndian.Uint64(v))
}
