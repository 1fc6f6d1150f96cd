// Package journal keeps a persistent history of the commands the agent has
// run, newest last, in a bbolt file.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

const commandsBucket = "commands"

// Record is one finished command.
type Record struct {
	ID         uint64    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Remote     string    `json:"remote,omitempty"`
	Command    string    `json:"command"`
	OpenType   uint32    `json:"open_type"`
	Pid        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	Reaped     bool      `json:"reaped,omitempty"`
}

// Journal is the command history store.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(commandsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Append stores r and assigns its ID.
func (j *Journal) Append(r *Record) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(commandsBucket))

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		r.ID = id

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

// Recent returns up to limit records, newest first. Undecodable entries are
// skipped.
func (j *Journal) Recent(limit int) ([]*Record, error) {
	var out []*Record
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(commandsBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// Count returns the number of stored records.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(commandsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune deletes the oldest records so that at most keep remain. It returns
// how many were removed.
func (j *Journal) Prune(keep int) (int, error) {
	if keep < 0 {
		return 0, errors.New("journal: negative retention")
	}
	var removed int
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(commandsBucket))
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
