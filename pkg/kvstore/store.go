package kvstore

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Well-known keys
const (
	KeyOdometerTotal     = "odometer.total_m"
	KeySyncFailedSession = "sync.failed_this_session"
	KeySyncLastSuccess   = "sync.last_success"
	KeySyncCountry       = "sync.country"
)

const settingsBucket = "settings"

// Store is a scalar key/value store. Every Put is durable when it returns.
type Store interface {
	GetFloat(key string) (float64, bool, error)
	PutFloat(key string, v float64) error
	GetString(key string) (string, bool, error)
	PutString(key, v string) error
	GetBool(key string) (bool, bool, error)
	PutBool(key string, v bool) error
	GetTime(key string) (time.Time, bool, error)
	PutTime(key string, v time.Time) error
	Delete(key string) error
}

// BoltStore persists settings in a single bbolt bucket
type BoltStore struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if needed) the bbolt file at path
func Open(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(settingsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", settingsBucket, err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the backing file
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(settingsBucket))
		if b == nil {
			return fmt.Errorf("settings bucket not found")
		}
		if v := b.Get([]byte(key)); v != nil {
			// values are only valid for the life of the transaction
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(settingsBucket))
		if b == nil {
			return fmt.Errorf("settings bucket not found")
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) GetFloat(key string) (float64, bool, error) {
	raw, err := s.get(key)
	if err != nil || raw == nil {
		return 0, false, err
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false, fmt.Errorf("key %s: %w", key, err)
	}
	return v, true, nil
}

func (s *BoltStore) PutFloat(key string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("key %s: refusing to store non-finite value", key)
	}
	return s.put(key, []byte(strconv.FormatFloat(v, 'f', -1, 64)))
}

func (s *BoltStore) GetString(key string) (string, bool, error) {
	raw, err := s.get(key)
	if err != nil || raw == nil {
		return "", false, err
	}
	return string(raw), true, nil
}

func (s *BoltStore) PutString(key, v string) error {
	return s.put(key, []byte(v))
}

func (s *BoltStore) GetBool(key string) (bool, bool, error) {
	raw, err := s.get(key)
	if err != nil || raw == nil {
		return false, false, err
	}
	v, err := strconv.ParseBool(string(raw))
	if err != nil {
		return false, false, fmt.Errorf("key %s: %w", key, err)
	}
	return v, true, nil
}

func (s *BoltStore) PutBool(key string, v bool) error {
	return s.put(key, []byte(strconv.FormatBool(v)))
}

func (s *BoltStore) GetTime(key string) (time.Time, bool, error) {
	raw, err := s.get(key)
	if err != nil || raw == nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("key %s: %w", key, err)
	}
	return t, true, nil
}

func (s *BoltStore) PutTime(key string, v time.Time) error {
	return s.put(key, []byte(v.UTC().Format(time.RFC3339Nano)))
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(settingsBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}
