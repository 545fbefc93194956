package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketPermanent = "permanent"
	bucketJails     = "jails"
)

type bboltRegistry struct {
	db *bolt.DB
}

// NewBboltRegistry opens (or creates) a bbolt database at dataDir/shield.db.
func NewBboltRegistry(dataDir string) (Registry, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "shield.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPermanent, bucketJails} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltRegistry{db: db}, nil
}

func (s *bboltRegistry) RecordPermanent(fingerprint, reason string) error {
	return s.put(bucketPermanent, BanRecord{
		Fingerprint: fingerprint,
		Reason:      reason,
		RecordedAt:  time.Now().UTC(),
	})
}

func (s *bboltRegistry) RecordJail(fingerprint, reason string, expiresAt time.Time) error {
	return s.put(bucketJails, BanRecord{
		Fingerprint: fingerprint,
		Reason:      reason,
		RecordedAt:  time.Now().UTC(),
		ExpiresAt:   expiresAt.UTC(),
	})
}

func (s *bboltRegistry) put(bucket string, rec BanRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal BanRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(rec.Fingerprint), data)
	})
}

func (s *bboltRegistry) Clear(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketJails)).Delete([]byte(fingerprint)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketPermanent)).Delete([]byte(fingerprint))
	})
}

func (s *bboltRegistry) ListPermanent() (map[string]BanRecord, error) {
	return s.list(bucketPermanent)
}

func (s *bboltRegistry) ListJails() (map[string]BanRecord, error) {
	return s.list(bucketJails)
}

func (s *bboltRegistry) list(bucket string) (map[string]BanRecord, error) {
	result := make(map[string]BanRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var rec BanRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal BanRecord for %s: %w", k, err)
			}
			result[string(k)] = rec
			return nil
		})
	})
	return result, err
}

func (s *bboltRegistry) PruneExpiredJails() (int, error) {
	now := time.Now().UTC()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketJails))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec BanRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt entries
			}
			if rec.Expired(now) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *bboltRegistry) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltRegistry) Close() error {
	return s.db.Close()
}
