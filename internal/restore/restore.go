package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"offpos/internal/cart"
	"offpos/internal/changelog"
	"offpos/internal/metrics"
	"offpos/internal/snapshot"
)

// RawLoader returns the persisted cart document, ok=false when none exists.
type RawLoader interface {
	LoadRaw() ([]byte, bool, error)
}

// SeqLoader reports the highest seq ever persisted, which may be above the
// seq of a snapshot that could not be read back.
type SeqLoader interface {
	LoadSeq() (int64, error)
}

type Restorer struct {
	src         RawLoader
	journalPath string
	partial     bool
	logger      *zap.Logger
	metrics     *metrics.Registry
}

type Option func(*Restorer)

// WithJournalFile replays the JSONL journal at path on top of the snapshot.
func WithJournalFile(path string) Option { return func(r *Restorer) { r.journalPath = path } }

// WithPartialRecovery keeps the valid lines of a damaged snapshot instead of
// discarding the whole cart.
func WithPartialRecovery(on bool) Option { return func(r *Restorer) { r.partial = on } }

func WithLogger(l *zap.Logger) Option { return func(r *Restorer) { r.logger = l } }

func WithMetrics(m *metrics.Registry) Option { return func(r *Restorer) { r.metrics = m } }

func NewRestorer(src RawLoader, opts ...Option) *Restorer {
	r := &Restorer{src: src, logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

type Result struct {
	Snapshot     cart.Snapshot
	SnapshotSeq  int64 // seq of the persisted snapshot replay started from
	Discarded    bool  // persisted cart was unreadable and ignored
	DroppedLines int
	Applied      int
	Skipped      int
	SeqRaised    bool // seq was lifted to the persisted high-water mark
}

// RestoreCart rebuilds the cart from the persisted snapshot plus any journal
// events newer than it. A malformed snapshot never fails startup: the cart
// starts empty (or with its valid lines) and the journal fills in what it can.
// Only storage failures are returned.
func (r *Restorer) RestoreCart() (Result, error) {
	var res Result
	raw, ok, err := r.src.LoadRaw()
	if err != nil {
		return res, fmt.Errorf("load cart: %w", err)
	}
	if ok {
		res.Snapshot, res.DroppedLines, res.Discarded = r.decode(raw)
	}
	res.SnapshotSeq = res.Snapshot.Seq

	if r.journalPath != "" {
		snap, applied, skipped, err := ReplayFile(r.journalPath, res.Snapshot)
		res.Snapshot, res.Applied, res.Skipped = snap, applied, skipped
		if err != nil {
			if !errors.Is(err, changelog.ErrTruncated) {
				return res, fmt.Errorf("replay journal: %w", err)
			}
			r.logger.Warn("restore: journal tail unreadable, keeping events before it",
				zap.String("path", r.journalPath), zap.Error(err))
		}
	}
	if sl, ok := r.src.(SeqLoader); ok {
		high, err := sl.LoadSeq()
		if err != nil {
			return res, fmt.Errorf("load seq: %w", err)
		}
		// new events must not reuse seqs already sent to the journal
		if high > res.Snapshot.Seq {
			r.logger.Warn("restore: cart behind its last seq, continuing after it",
				zap.Int64("seq", res.Snapshot.Seq), zap.Int64("high", high))
			res.Snapshot.Seq = high
			res.SeqRaised = true
		}
	}
	if r.metrics != nil {
		r.metrics.JournalReplayed.Add(float64(res.Applied))
		r.metrics.JournalSkipped.Add(float64(res.Skipped))
	}
	r.logger.Info("restore: cart rebuilt",
		zap.Int64("snapshot_seq", res.SnapshotSeq),
		zap.Int64("seq", res.Snapshot.Seq),
		zap.Int("lines", len(res.Snapshot.Lines)),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (r *Restorer) decode(raw []byte) (cart.Snapshot, int, bool) {
	if r.partial {
		snap, dropped, err := snapshot.DecodePartial(raw)
		if err != nil {
			r.discarded(err)
			return cart.Snapshot{}, 0, true
		}
		if dropped > 0 {
			if r.metrics != nil {
				r.metrics.CartRestoreDropped.Add(float64(dropped))
			}
			r.logger.Warn("restore: dropped invalid cart lines", zap.Int("dropped", dropped))
		}
		return snap, dropped, false
	}
	snap, err := snapshot.Decode(raw)
	if err != nil {
		r.discarded(err)
		return cart.Snapshot{}, 0, true
	}
	return snap, 0, false
}

func (r *Restorer) discarded(err error) {
	if r.metrics != nil {
		r.metrics.CartRestoreDropped.Inc()
	}
	r.logger.Warn("restore: persisted cart is malformed, starting empty", zap.Error(err))
}

// Importer is a cart store that also tracks its seq high-water mark.
type Importer interface {
	SeqLoader
	SaveCart(s cart.Snapshot) error
}

// Import writes s as the current cart. Its seq is lifted past both the
// store's high-water mark and the tail of the journal at journalPath (empty
// to skip), so a later restore does not replay older events over it.
func Import(dst Importer, journalPath string, s cart.Snapshot) (cart.Snapshot, error) {
	high, err := dst.LoadSeq()
	if err != nil {
		return s, fmt.Errorf("load seq: %w", err)
	}
	if journalPath != "" {
		tail, err := changelog.LastSeq(journalPath)
		if err != nil {
			return s, fmt.Errorf("read journal: %w", err)
		}
		high = max(high, tail)
	}
	s.Seq = max(s.Seq, high)
	if err := dst.SaveCart(s); err != nil {
		return s, fmt.Errorf("import: %w", err)
	}
	return s, nil
}

// Apply folds one journal event into s. Events at or below s.Seq are
// skipped (applied=false), so replay is idempotent.
func Apply(s cart.Snapshot, e changelog.Event) (cart.Snapshot, bool, error) {
	if e.Seq <= s.Seq {
		return s, false, nil
	}
	st := cart.State{Lines: s.Lines}
	switch e.Op {
	case changelog.OpPut:
		var l cart.Line
		if err := json.Unmarshal(e.Line, &l); err != nil {
			return s, false, fmt.Errorf("event %d: unmarshal line: %w", e.Seq, err)
		}
		if err := l.Validate(); err != nil {
			return s, false, fmt.Errorf("event %d: %w", e.Seq, err)
		}
		st = st.With(l)
	case changelog.OpDelete:
		st = st.Without(e.ProductID, e.Batch)
	case changelog.OpClear:
		st = cart.State{Lines: []cart.Line{}}
	default:
		return s, false, fmt.Errorf("event %d: unknown op %q", e.Seq, e.Op)
	}
	return cart.Snapshot{Seq: e.Seq, Lines: st.Lines}, true, nil
}

// ReplayFile applies the JSONL journal at path on top of base. A missing
// journal leaves base unchanged. Invalid events are skipped.
func ReplayFile(path string, base cart.Snapshot) (cart.Snapshot, int, int, error) {
	cur := base
	applied, skipped := 0, 0
	err := changelog.ReadFile(path, func(e changelog.Event) error {
		next, ok, err := Apply(cur, e)
		if err != nil || !ok {
			skipped++
			return nil
		}
		cur = next
		applied++
		return nil
	})
	return cur, applied, skipped, err
}

// ReplayKafka consumes the journal topic (partition 0) until idle for the
// context deadline and applies the events keyed by cartID on top of base.
// Used to rebuild a till's cart on replacement hardware.
func ReplayKafka(ctx context.Context, brokers []string, topic, cartID string, base cart.Snapshot) (cart.Snapshot, int, int, error) {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   changelog.SplitBrokers(brokers),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer rd.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
	}

	cur := base
	applied, skipped := 0, 0
	for {
		m, err := rd.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return cur, applied, skipped, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != cartID {
			continue
		}
		var e changelog.Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			skipped++
			continue
		}
		next, ok, err := Apply(cur, e)
		if err != nil || !ok {
			skipped++
			continue
		}
		cur = next
		applied++
	}
	return cur, applied, skipped, nil
}
