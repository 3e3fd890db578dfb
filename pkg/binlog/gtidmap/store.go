// Package gtidmap persists the mapping from MariaDB GTID to binlog file
// position, so a restarted router or a newly connecting slave can resolve
// "start replicating from GTID X" to a concrete file/offset without
// rescanning every binlog file on disk.
package gtidmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Position is one GTID's resolved location: the binlog file and byte
// range of the GTID_EVENT (or MARIADB10_GTID_EVENT) that carries it.
// Kept flat and keyed by domain/seq rather than nested under a
// domain-prefix tree: a replication domain realistically holds a few
// thousand entries at most, so a flat keyspace scanned by prefix is
// simpler than a tree and just as fast at this scale.
type Position struct {
	Domain   uint32 `json:"domain"`
	ServerID uint32 `json:"server_id"`
	SeqNo    uint64 `json:"seq_no"`
	File     string `json:"file"`
	StartPos uint32 `json:"start_pos"`
	EndPos   uint32 `json:"end_pos"`
}

// String renders the GTID in MariaDB's domain-server-sequence form.
func (p Position) String() string {
	return fmt.Sprintf("%d-%d-%d", p.Domain, p.ServerID, p.SeqNo)
}

// Parse parses a MariaDB GTID string ("domain-server-sequence") into its
// three components.
func Parse(gtid string) (domain, serverID uint32, seq uint64, err error) {
	parts := strings.SplitN(gtid, "-", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("gtidmap: malformed gtid %q", gtid)
	}
	d, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("gtidmap: bad domain in %q: %w", gtid, err)
	}
	s, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("gtidmap: bad server id in %q: %w", gtid, err)
	}
	seqNo, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("gtidmap: bad sequence in %q: %w", gtid, err)
	}
	return uint32(d), uint32(s), seqNo, nil
}

// Store is a Badger-backed GTID-to-position map, one per replication
// domain set the router tracks.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a GTID map rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("gtidmap: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func key(domain uint32) []byte {
	return []byte(fmt.Sprintf("domain:%010d", domain))
}

func latestKey(domain uint32) []byte {
	return []byte(fmt.Sprintf("latest:%010d", domain))
}

// Record stores pos and, if it is newer than what is currently recorded
// as the domain's latest (by SeqNo), advances the latest pointer.
func (s *Store) Record(pos Position) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(pos)
		if err != nil {
			return err
		}
		entryKey := []byte(fmt.Sprintf("domain:%010d:%020d", pos.Domain, pos.SeqNo))
		if err := txn.Set(entryKey, data); err != nil {
			return err
		}

		cur, err := latestLocked(txn, pos.Domain)
		if err == nil && cur.SeqNo >= pos.SeqNo {
			return nil
		}
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(latestKey(pos.Domain), data)
	})
}

func latestLocked(txn *badger.Txn, domain uint32) (Position, error) {
	var pos Position
	item, err := txn.Get(latestKey(domain))
	if err != nil {
		return pos, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &pos)
	})
	return pos, err
}

// Latest returns the most recently recorded position for domain.
func (s *Store) Latest(domain uint32) (Position, bool, error) {
	var pos Position
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(domain))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if err := json.Unmarshal(v, &pos); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return pos, found, err
}

// Resolve looks up the binlog file/offset a slave should dump from to
// replay everything after gtid, by domain and sequence number. Unknown
// domains or a gtid newer than anything recorded return ok=false so the
// caller can fall back to full resend.
func (s *Store) Resolve(gtid string) (pos Position, ok bool, err error) {
	domain, _, seq, err := Parse(gtid)
	if err != nil {
		return Position{}, false, err
	}
	var best Position
	found := false
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(fmt.Sprintf("domain:%010d:", domain))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p Position
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &p)
			}); err != nil {
				return err
			}
			if p.SeqNo > seq && (!found || p.SeqNo < best.SeqNo) {
				best, found = p, true
			}
		}
		return nil
	})
	return best, found, err
}

// Domains returns every replication domain with at least one recorded
// position, sorted ascending.
func (s *Store) Domains() ([]uint32, error) {
	seen := map[uint32]struct{}{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		prefix := []byte("latest:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := string(it.Item().Key())
			var d uint32
			if _, err := fmt.Sscanf(k, "latest:%010d", &d); err == nil {
				seen[d] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	domains := make([]uint32, 0, len(seen))
	for d := range seen {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	return domains, nil
}

// Close releases the underlying Badger handle.
func (s *Store) Close() error {
	return s.db.Close()
}
