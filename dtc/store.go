package dtc

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const storeBucket = "confirmed_dtcs"

// Store persists confirmed codes across restarts in a bbolt database. Keys
// are "spn:fmi", values the JSON record.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the database and ensures the bucket exists.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(storeBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func storeKey(code Code) []byte {
	return []byte(fmt.Sprintf("%d:%d", code.SPN, code.FMI))
}

// Save writes one record, overwriting any previous state for its code.
func (s *Store) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(storeBucket)).Put(storeKey(rec.Code), data)
	})
}

// IsNew reports whether the code has not been saved before, and marks it
// seen when it is new.
func (s *Store) IsNew(rec Record) (bool, error) {
	var isNew bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(storeBucket))
		if b.Get(storeKey(rec.Code)) != nil {
			return nil
		}
		isNew = true
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(storeKey(rec.Code), data)
	})
	return isNew, err
}

// Load returns every persisted record.
func (s *Store) Load() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(storeBucket)).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Remove deletes one code, as after an individual clear.
func (s *Store) Remove(code Code) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(storeBucket)).Delete(storeKey(code))
	})
}

// Wipe deletes every record, as after a full clear.
func (s *Store) Wipe() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(storeBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(storeBucket))
		return err
	})
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}
