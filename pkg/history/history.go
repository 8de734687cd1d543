package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/quarry/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketQueries = []byte("queries")

// Entry is one terminal query on record
type Entry struct {
	QueryID         uint32
	ClientID        string
	FilePath        string
	InitialPriority uint32
	FinalPriority   uint32
	ProgramCounter  uint32
	Outcome         string // "completed" or "canceled"
	Reason          string
	FinishedAt      time.Time
}

// Store is the master's terminal-query journal, kept in BoltDB so a
// restarted master can still answer what happened to past queries.
type Store struct {
	db *bolt.DB
}

// Open creates or reopens the journal at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQueries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Record journals one terminal query
func (s *Store) Record(qcb *types.QueryControlBlock, outcome, reason string) error {
	entry := Entry{
		QueryID:         qcb.QueryID,
		ClientID:        qcb.ClientID,
		FilePath:        qcb.FilePath,
		InitialPriority: qcb.InitialPriority,
		FinalPriority:   qcb.Priority,
		ProgramCounter:  qcb.ProgramCounter,
		Outcome:         outcome,
		Reason:          reason,
		FinishedAt:      time.Now(),
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueries)
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put(queryKey(entry.QueryID), data)
	})
}

// Get returns the journal entry for a query id
func (s *Store) Get(queryID uint32) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueries)
		data := b.Get(queryKey(queryID))
		if data == nil {
			return fmt.Errorf("query not found: %d", queryID)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns every journaled query in id order
func (s *Store) List() ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueries)
		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func queryKey(queryID uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, queryID)
	return key
}
