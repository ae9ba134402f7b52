package store

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"
)

var (
	bucketState   = []byte("state")
	bucketBackups = []byte("backups")
)

// ErrBackupNotFound is returned when a backup record does not exist
var ErrBackupNotFound = errors.New("backup not found")

// SyncState is the synchronization position of one branch.
//
// LastSynced is the remote commit of the last cycle that reached a fully
// applied and published state. Applied is the remote commit whose content
// the working tree currently reflects; it runs ahead of LastSynced only
// while an applied change is waiting to be published.
type SyncState struct {
	Branch     string    `json:"branch"`
	LastSynced string    `json:"last_synced"`
	Applied    string    `json:"applied"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PublishPending reports whether applied remote content has not been published yet
func (s SyncState) PublishPending() bool {
	return s.Applied != s.LastSynced
}

// BackupRecord is the catalog entry of a working-tree snapshot
type BackupRecord struct {
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	TreeRef   string    `json:"tree_ref"`
	FileCount int       `json:"file_count"`
	CycleID   string    `json:"cycle_id,omitempty"`
}

// Store persists sync state and the backup catalog in a bbolt database
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	s := &Store{db: db}
	if err := s.initBuckets(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize buckets")
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketState, bucketBackups} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "failed to create %s bucket", name)
			}
		}
		return nil
	})
}

// LoadState returns the persisted state of branch. The boolean is false
// when nothing has been stored for the branch yet.
func (s *Store) LoadState(branch string) (SyncState, bool, error) {
	var state SyncState
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(branch))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return errors.Wrap(err, "failed to unmarshal state")
		}
		found = true
		return nil
	})
	if err != nil {
		return SyncState{}, false, err
	}
	return state, found, nil
}

// SaveState stores state under its branch
func (s *Store) SaveState(state SyncState) error {
	if state.Branch == "" {
		return errors.New("state has no branch")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "failed to marshal state")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(state.Branch), data)
	})
}

// NextBackupSequence returns a new, strictly increasing backup sequence number
func (s *Store) NextBackupSequence() (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		seq, err = tx.Bucket(bucketBackups).NextSequence()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate backup sequence")
	}
	return seq, nil
}

// PutBackup records a snapshot in the catalog
func (s *Store) PutBackup(rec BackupRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal backup record")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBackups).Put(sequenceKey(rec.Sequence), data)
	})
}

// ListBackups returns all catalogued snapshots ordered by ascending sequence
func (s *Store) ListBackups() ([]BackupRecord, error) {
	var records []BackupRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(_, v []byte) error {
			var rec BackupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrap(err, "failed to unmarshal backup record")
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteBackup removes a snapshot from the catalog
func (s *Store) DeleteBackup(seq uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		key := sequenceKey(seq)
		if b.Get(key) == nil {
			return errors.Wrapf(ErrBackupNotFound, "sequence %d", seq)
		}
		return b.Delete(key)
	})
}

// sequenceKey encodes seq big-endian so bbolt's byte ordering matches numeric ordering
func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
