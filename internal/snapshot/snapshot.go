package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"offpos/internal/cart"
	"offpos/internal/state"
)

// DefaultKey is where the cart lives in the local store.
const DefaultKey = "pos_cart"

// StoreSnapshotter keeps the cart under a single key of a state.Store. Next
// to it, under key+".seq", it keeps the highest seq ever saved, so that seq
// never goes backwards after the cart itself turns out unreadable.
type StoreSnapshotter struct {
	st  state.Store
	key string
	now func() time.Time

	mu       sync.Mutex
	high     int64
	highRead bool
}

func NewStoreSnapshotter(st state.Store, key string) *StoreSnapshotter {
	if key == "" {
		key = DefaultKey
	}
	return &StoreSnapshotter{st: st, key: key, now: time.Now}
}

func (s *StoreSnapshotter) Key() string { return s.key }

func (s *StoreSnapshotter) seqKey() string { return s.key + ".seq" }

func (s *StoreSnapshotter) SaveCart(snap cart.Snapshot) error {
	b, err := Encode(snap, s.now())
	if err != nil {
		return err
	}
	if err := s.raiseSeq(snap.Seq); err != nil {
		return err
	}
	return state.Wrap("put", s.key, s.st.Put(s.key, b))
}

// raiseSeq records seq as the high-water mark when it is above the current one.
func (s *StoreSnapshotter) raiseSeq(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.highRead {
		high, err := s.readSeq()
		if err != nil {
			return err
		}
		s.high, s.highRead = high, true
	}
	if seq <= s.high {
		return nil
	}
	if err := s.st.Put(s.seqKey(), []byte(strconv.FormatInt(seq, 10))); err != nil {
		return state.Wrap("put seq", s.key, err)
	}
	s.high = seq
	return nil
}

// LoadSeq returns the highest seq ever saved, 0 when none was recorded.
func (s *StoreSnapshotter) LoadSeq() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSeq()
}

func (s *StoreSnapshotter) readSeq() (int64, error) {
	b, ok, err := s.st.Get(s.seqKey())
	if err != nil {
		return 0, state.Wrap("get seq", s.key, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		// unreadable mark counts as none, like an unreadable cart
		return 0, nil
	}
	return n, nil
}

// LoadRaw returns the persisted document, ok=false when none exists.
func (s *StoreSnapshotter) LoadRaw() ([]byte, bool, error) {
	b, ok, err := s.st.Get(s.key)
	if err != nil {
		return nil, false, state.Wrap("get", s.key, err)
	}
	return b, ok, nil
}

// LoadCart returns the persisted cart. A missing key is an empty cart.
func (s *StoreSnapshotter) LoadCart() (cart.Snapshot, error) {
	b, ok, err := s.LoadRaw()
	if err != nil || !ok {
		return cart.Snapshot{}, err
	}
	return Decode(b)
}

type Snapshotter interface {
	WriteSnapshot(snapshotID string, snap cart.Snapshot) error
}

// FilesystemSnapshotter exports carts to <baseDir>/<id>/cart.json.
type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) Path(snapshotID string) string {
	return filepath.Join(f.baseDir, snapshotID, "cart.json")
}

func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, snap cart.Snapshot) error {
	if err := os.MkdirAll(filepath.Join(f.baseDir, snapshotID), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	out, err := os.Create(f.Path(snapshotID))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer out.Close()

	lines := snap.Lines
	if lines == nil {
		lines = []cart.Line{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Envelope{
		Version: CurrentVersion,
		Seq:     snap.Seq,
		SavedAt: time.Now().UTC().Unix(),
		Lines:   lines,
	}); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

func (f *FilesystemSnapshotter) ReadSnapshot(snapshotID string) (cart.Snapshot, error) {
	data, err := os.ReadFile(f.Path(snapshotID))
	if err != nil {
		return cart.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(data)
}
