package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// JournalEntry is one server's last-known status as persisted across a
// monitor restart, so a freshly started monitor does not have to treat
// every server as DOWN until the first tick completes.
type JournalEntry struct {
	ServerName string        `json:"server_name"`
	Status     uint64        `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Journal is a Badger-backed key-value store of the most recent
// JournalEntry per server, plus the wall-clock time the journal itself
// was last written, used to decide whether the whole journal is too
// stale to trust (mirrors the journal_max_age setting).
type Journal struct {
	db         *badger.DB
	monitorKey string
}

const journalMetaKey = "__journal_meta__"

type journalMeta struct {
	WrittenAt time.Time `json:"written_at"`
}

// OpenJournal opens (creating if absent) a Badger journal store rooted
// at dir, scoped to monitorName so multiple monitors can share a data
// directory without clobbering each other's entries.
func OpenJournal(dir string, monitorName string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("monitor: open journal at %s: %w", dir, err)
	}
	return &Journal{db: db, monitorKey: monitorName}, nil
}

func (j *Journal) key(server string) []byte {
	return []byte(fmt.Sprintf("%s/%s", j.monitorKey, server))
}

func (j *Journal) metaKey() []byte {
	return []byte(fmt.Sprintf("%s/%s", j.monitorKey, journalMetaKey))
}

// Save writes one server's current entry and bumps the journal's
// last-written timestamp.
func (j *Journal) Save(entry JournalEntry) error {
	entry.Timestamp = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(j.key(entry.ServerName), data); err != nil {
			return err
		}
		meta, err := json.Marshal(journalMeta{WrittenAt: time.Now()})
		if err != nil {
			return err
		}
		return txn.Set(j.metaKey(), meta)
	})
}

// Load returns the persisted entry for server, or ok=false if none was
// ever saved.
func (j *Journal) Load(server string) (JournalEntry, bool, error) {
	var entry JournalEntry
	found := false
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(j.key(server))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return entry, found, err
}

// IsFresh reports whether the journal was last written within maxAge; a
// journal older than that is discarded wholesale rather than trusted
// server-by-server, matching the "journal too old, ignoring" behavior
// of the monitor this was grounded on.
func (j *Journal) IsFresh(maxAge time.Duration) (bool, error) {
	var meta journalMeta
	found := false
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(j.metaKey())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return time.Since(meta.WrittenAt) <= maxAge, nil
}

// Discard removes every entry for this monitor, used when the journal is
// found to be stale on startup.
func (j *Journal) Discard() error {
	return j.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(j.monitorKey + "/")
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, append([]byte(nil), it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying Badger handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
