package relay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

var (
	prefixRecord  = []byte("r/")
	prefixBundle  = []byte("b/")
	prefixArchive = []byte("a/")
	prefixCursor  = []byte("c/")
)

// DBStore keeps relay state in a cometbft-db key-value database. Values are
// JSON; record keys sort by lane then sequence.
type DBStore struct {
	db dbm.DB
	// mu makes the read-then-write operations atomic within the process.
	mu sync.Mutex
}

// NewDBStore wraps an open database. The store owns db and closes it.
func NewDBStore(db dbm.DB) *DBStore {
	return &DBStore{db: db}
}

// OpenDBStore opens the named database of backend type under dir, e.g.
// "goleveldb" or "memdb".
func OpenDBStore(name, backend, dir string) (*DBStore, error) {
	db, err := dbm.NewDB(name, dbm.BackendType(backend), dir)
	if err != nil {
		return nil, fmt.Errorf("open %s store %q: %w", backend, dir, err)
	}
	return NewDBStore(db), nil
}

func key(prefix []byte, rest []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(rest))
	k = append(k, prefix...)
	return append(k, rest...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *DBStore) getJSON(k []byte, v any) error {
	b, err := s.db.Get(k)
	if err != nil {
		return err
	}
	if b == nil {
		return ErrNotFound
	}
	return json.Unmarshal(b, v)
}

func (s *DBStore) putJSON(k []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.SetSync(k, b)
}

func (s *DBStore) Get(id packet.Identity) (*Record, error) {
	var r Record
	if err := s.getJSON(key(prefixRecord, id.Key()), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *DBStore) Create(r *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(prefixRecord, r.ID.Key())
	ok, err := s.db.Has(k)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	return true, s.putJSON(k, r)
}

func (s *DBStore) Put(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(key(prefixRecord, r.ID.Key()), r)
}

func (s *DBStore) List(f Filter) ([]*Record, error) {
	start := prefixRecord
	if f.Lane != "" {
		start = key(prefixRecord, append([]byte(f.Lane), 0))
	}
	it, err := s.db.Iterator(start, prefixEnd(start))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*Record
	for ; it.Valid(); it.Next() {
		var r Record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("record %x: %w", it.Key(), err)
		}
		if !f.match(&r) {
			continue
		}
		out = append(out, &r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, it.Error()
}

func (s *DBStore) Delete(id packet.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key(prefixRecord, id.Key())); err != nil {
		return err
	}
	if err := b.Delete(key(prefixBundle, id.Key())); err != nil {
		return err
	}
	it, err := s.db.Iterator(key(prefixArchive, id.Key()), prefixEnd(key(prefixArchive, id.Key())))
	if err != nil {
		return err
	}
	for ; it.Valid(); it.Next() {
		if err := b.Delete(append([]byte(nil), it.Key()...)); err != nil {
			it.Close()
			return err
		}
	}
	it.Close()
	return b.WriteSync()
}

func (s *DBStore) PutBundle(bundle *zk.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(prefixBundle, bundle.PublicInputs.Identity.Key())
	ok, err := s.db.Has(k)
	if err != nil {
		return err
	}
	if ok {
		return ErrBundleExists
	}
	return s.putJSON(k, bundle)
}

func (s *DBStore) GetBundle(id packet.Identity) (*zk.Bundle, error) {
	var b zk.Bundle
	if err := s.getJSON(key(prefixBundle, id.Key()), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *DBStore) SupersedeBundle(id packet.Identity, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bk := key(prefixBundle, id.Key())
	var live zk.Bundle
	if err := s.getJSON(bk, &live); err != nil {
		return err
	}
	archived, err := json.Marshal(ArchivedBundle{Bundle: live, Reason: reason, SupersededAt: at.UTC()})
	if err != nil {
		return err
	}
	ak := binary.BigEndian.AppendUint64(key(prefixArchive, id.Key()), uint64(at.UnixNano()))

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(ak, archived); err != nil {
		return err
	}
	if err := b.Delete(bk); err != nil {
		return err
	}
	return b.WriteSync()
}

func (s *DBStore) Archived(id packet.Identity) ([]ArchivedBundle, error) {
	start := key(prefixArchive, id.Key())
	it, err := s.db.Iterator(start, prefixEnd(start))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []ArchivedBundle
	for ; it.Valid(); it.Next() {
		var a ArchivedBundle
		if err := json.Unmarshal(it.Value(), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, it.Error()
}

func (s *DBStore) SaveCursor(route string, next uint64) error {
	return s.db.SetSync(key(prefixCursor, []byte(route)), binary.BigEndian.AppendUint64(nil, next))
}

func (s *DBStore) LoadCursor(route string) (uint64, bool, error) {
	b, err := s.db.Get(key(prefixCursor, []byte(route)))
	if err != nil || b == nil {
		return 0, false, err
	}
	if len(b) != 8 {
		return 0, false, fmt.Errorf("cursor %q: %d bytes", route, len(b))
	}
	return binary.BigEndian.Uint64(b), true, nil
}

func (s *DBStore) Close() error { return s.db.Close() }

var _ Store = (*DBStore)(nil)
