package forumserver

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

var (
	prefixMessage = []byte("msg/")
	prefixUser    = []byte("user/")
)

// store persists chat messages and accounts in a PebbleDB key-value store.
// Message keys are "msg/" plus an 8-byte big-endian sequence number
// increasing monotonically; account keys are "user/" plus the username.
type store struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

func openStore(dir string) (*store, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &store{db: db}
	// Discover next sequence by reading the last message key.
	it, err := db.NewIter(&pebble.IterOptions{LowerBound: prefixMessage, UpperBound: prefixEnd(prefixMessage)})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	defer func() { _ = it.Close() }()
	if it.Last() {
		if k := it.Key(); len(k) >= len(prefixMessage)+8 {
			s.next = binary.BigEndian.Uint64(k[len(prefixMessage):]) + 1
		}
	}
	return s, nil
}

func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	end[len(end)-1]++
	return end
}

func (s *store) appendMessage(m record) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := make([]byte, len(prefixMessage)+8)
	copy(key, prefixMessage)
	binary.BigEndian.PutUint64(key[len(prefixMessage):], s.next)
	s.next++
	val, _ := json.Marshal(m)
	return s.db.Set(key, val, pebble.Sync)
}

// loadRecent loads the most recent limit messages in chronological order.
// limit <= 0 loads everything.
func (s *store) loadRecent(limit int) ([]record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefixMessage, UpperBound: prefixEnd(prefixMessage)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]record, 0, 64)
	for ok := it.Last(); ok; ok = it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m record
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *store) putAccount(a account) error {
	if s == nil || s.db == nil {
		return nil
	}
	val, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Set(append(append([]byte(nil), prefixUser...), a.Username...), val, pebble.Sync)
}

func (s *store) loadAccounts() ([]account, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefixUser, UpperBound: prefixEnd(prefixUser)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	var out []account
	for it.First(); it.Valid(); it.Next() {
		var a account
		if err := json.Unmarshal(it.Value(), &a); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
