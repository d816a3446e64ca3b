// Package checkpoint persists fitting state and trained model
// bundles in a bolt database.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN is the bucket name for all stored values.
var MAIN = []byte("main")

// Data stores one fitting checkpoint. State is opaque to this
// package; the model serializes its own parameters into it.
type Data struct {
	State     json.RawMessage
	Objective float64
	Iter      int
	Final     bool
}

// IO provides periodic checkpoint saving and loading under a fixed
// key.
type IO struct {
	db      *bolt.DB
	key     []byte
	last    time.Time
	seconds float64
}

// NewIO creates a new IO saving under key at most once per the given
// number of seconds.
func NewIO(db *bolt.DB, key []byte, seconds float64) *IO {
	return &IO{
		db:      db,
		key:     key,
		seconds: seconds,
	}
}

// Save saves a checkpoint to the database.
func (s *IO) Save(data *Data) error {
	// Even if saving fails, we do not want to run this code too
	// often.
	s.SetNow()
	dataB, err := json.Marshal(data)
	if err != nil {
		log.Error("Error serializing checkpoint:", err)
		return err
	}
	err = SaveData(s.db, s.key, dataB)
	if err != nil {
		log.Error("Error saving checkpoint:", err)
	}
	return err
}

// Load returns the stored checkpoint, nil if nothing was stored.
func (s *IO) Load() (*Data, error) {
	b, err := LoadData(s.db, s.key)
	if err != nil || b == nil {
		return nil, err
	}

	var data *Data
	if err = json.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	if data == nil || len(data.State) == 0 {
		return nil, nil
	}

	if data.Final {
		log.Noticef("Found finished fit checkpoint (iter=%v, objective=%v)", data.Iter, data.Objective)
	} else {
		log.Noticef("Found unfinished fit checkpoint (iter=%v, objective=%v)", data.Iter, data.Objective)
	}
	return data, nil
}

// Old returns true if the last checkpoint save was too long ago.
func (s *IO) Old() bool {
	return time.Since(s.last).Seconds() > s.seconds
}

// SetNow sets the last checkpoint time to now.
func (s *IO) SetNow() {
	s.last = time.Now()
}

// SaveJSON marshals a value and stores it under a key; used for the
// trained model bundle.
func SaveJSON(db *bolt.DB, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return SaveData(db, key, b)
}

// LoadJSON loads a value stored with SaveJSON. Returns false if the
// key was not present.
func LoadJSON(db *bolt.DB, key []byte, v interface{}) (bool, error) {
	b, err := LoadData(db, key)
	if err != nil || b == nil {
		return false, err
	}
	return true, json.Unmarshal(b, v)
}

// SaveData saves a raw value in the bolt database.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(MAIN)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// LoadData loads a raw value from the bolt database.
func LoadData(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(MAIN)
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
