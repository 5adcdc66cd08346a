package chunkcache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/lsst-dm/qserv-ingest/pkg/respparser"
	"go.etcd.io/bbolt"
)

var (
	locationsBucket = []byte("locations")
	orderBucket     = []byte("order")
	metaBucket      = []byte("meta")
	nextSeqKey      = []byte("next_seq")
)

// Cache is a bounded, on-disk memoization of (database, chunk) -> worker
// location lookups, backed by one bbolt file. Entries beyond MaxEntries are
// evicted oldest-first.
type Cache struct {
	db         *bbolt.DB
	maxEntries int
}

// Open opens or creates the bbolt file at path. maxEntries bounds the
// number of cached entries; non-positive falls back to a 10000-entry
// default.
func Open(path string, maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("chunkcache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{locationsBucket, orderBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkcache: init schema: %w", err)
	}
	return &Cache{db: db, maxEntries: maxEntries}, nil
}

// Close releases the underlying bbolt file.
func (c *Cache) Close() error { return c.db.Close() }

func key(database string, chunkID int) []byte {
	return []byte(fmt.Sprintf("%s/%d", database, chunkID))
}

// Get returns the cached location for (database, chunkID), if present.
func (c *Cache) Get(database string, chunkID int) (respparser.WorkerLocation, bool, error) {
	var loc respparser.WorkerLocation
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(locationsBucket).Get(key(database, chunkID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &loc)
	})
	return loc, found, err
}

// Put records loc for (database, chunkID), evicting the oldest entries if
// the cache is now over its bound. A repeated Put for the same key
// refreshes its value but does not move it to the back of the eviction
// order -- memoized chunk locations do not change for the lifetime of a
// run, so re-ordering on overwrite buys nothing.
func (c *Cache) Put(database string, chunkID int, loc respparser.WorkerLocation) error {
	encoded, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("chunkcache: encode location: %w", err)
	}
	k := key(database, chunkID)

	return c.db.Update(func(tx *bbolt.Tx) error {
		locations := tx.Bucket(locationsBucket)
		order := tx.Bucket(orderBucket)
		meta := tx.Bucket(metaBucket)

		if locations.Get(k) != nil {
			return locations.Put(k, encoded)
		}

		seq, _ := binary.Uvarint(meta.Get(nextSeqKey))
		seqKey := make([]byte, 8)
		binary.BigEndian.PutUint64(seqKey, seq)

		if err := order.Put(seqKey, k); err != nil {
			return err
		}
		if err := locations.Put(k, encoded); err != nil {
			return err
		}

		nextSeq := make([]byte, binary.MaxVarintLen64)
		n := binary.PutUvarint(nextSeq, seq+1)
		if err := meta.Put(nextSeqKey, nextSeq[:n]); err != nil {
			return err
		}

		return evictOverflow(order, locations, c.maxEntries)
	})
}

// evictOverflow removes the oldest entries from order/locations until
// order holds at most maxEntries keys.
func evictOverflow(order, locations *bbolt.Bucket, maxEntries int) error {
	cur := order.Cursor()
	count := 0
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		count++
	}
	if count <= maxEntries {
		return nil
	}
	toEvict := count - maxEntries
	for i := 0; i < toEvict; i++ {
		seqKey, locKey := cur.First()
		if seqKey == nil {
			break
		}
		if err := locations.Delete(locKey); err != nil {
			return err
		}
		if err := cur.Delete(); err != nil {
			return err
		}
	}
	return nil
}
