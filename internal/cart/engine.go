package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"offpos/internal/changelog"
	"offpos/internal/metrics"
	"offpos/internal/model"
	"offpos/internal/state"
)

// Snapshot is the durable form of the cart: the lines as of mutation Seq.
type Snapshot struct {
	Seq   int64
	Lines []Line
}

// Persister stores the full cart after every mutation.
type Persister interface {
	SaveCart(s Snapshot) error
}

// LineUpdate carries the fields to replace on a line. Nil fields are kept.
// Product is only consulted when the line does not exist yet.
type LineUpdate struct {
	Quantity     *decimal.Decimal
	FreeQuantity *decimal.Decimal
	FlatDiscount *decimal.Decimal
	UnitPrice    *decimal.Decimal
	Product      *model.CachedProduct
}

func (u LineUpdate) validate() error {
	for _, d := range []*decimal.Decimal{u.Quantity, u.FreeQuantity, u.FlatDiscount, u.UnitPrice} {
		if d != nil && d.IsNegative() {
			return ErrNegativeValue
		}
	}
	return nil
}

func (u LineUpdate) apply(l Line) Line {
	if u.Quantity != nil {
		l.Quantity = *u.Quantity
	}
	if u.FreeQuantity != nil {
		l.FreeQuantity = *u.FreeQuantity
	}
	if u.FlatDiscount != nil {
		l.FlatDiscount = *u.FlatDiscount
	}
	if u.UnitPrice != nil {
		l.UnitPrice = *u.UnitPrice
	}
	return l
}

// Engine owns the in-memory cart. All intents are serialized on one mutex;
// the journal append and the snapshot write happen before the lock is
// released, so persisted snapshots follow intent order.
type Engine struct {
	mu      sync.Mutex
	lines   []Line
	seq     int64
	persist Persister
	journal changelog.Writer
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

type Option func(*Engine)

func WithPersister(p Persister) Option { return func(e *Engine) { e.persist = p } }

func WithJournal(w changelog.Writer) Option { return func(e *Engine) { e.journal = w } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithInitial seeds the engine with a restored cart. Invalid lines are dropped.
func WithInitial(s Snapshot) Option {
	return func(e *Engine) {
		e.seq = s.Seq
		e.lines = e.lines[:0]
		for _, l := range s.Lines {
			if l.Validate() != nil || indexOf(e.lines, l.ProductID, l.Batch) >= 0 {
				continue
			}
			e.lines = append(e.lines, l)
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		lines:  []Line{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics != nil {
		e.metrics.CartLines.Set(float64(len(e.lines)))
	}
	return e
}

// AddLine adds qty units of p. An existing line for the same product batch
// has its quantity increased; otherwise a new line is appended.
func (e *Engine) AddLine(p model.CachedProduct, qty decimal.Decimal) (State, error) {
	if qty.IsNegative() {
		return e.State(), ErrNegativeValue
	}
	if p.ID == "" {
		return e.State(), ErrMissingProduct
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if qty.IsZero() {
		return e.stateLocked(), nil
	}

	var line Line
	if i := indexOf(e.lines, p.ID, p.BatchID); i >= 0 {
		line = e.lines[i]
		line.Quantity = line.Quantity.Add(qty)
	} else {
		line = NewLine(p, qty)
	}
	if err := line.Validate(); err != nil {
		return e.stateLocked(), err
	}
	e.putLocked(line)
	err := e.commitLocked("add", changelog.OpPut, line)
	return e.stateLocked(), err
}

// RemoveLine deletes the identified line. Removing an absent line does nothing.
func (e *Engine) RemoveLine(productID, batch string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := indexOf(e.lines, productID, batch)
	if i < 0 {
		return e.stateLocked(), nil
	}
	removed := e.lines[i]
	e.lines = append(e.lines[:i], e.lines[i+1:]...)
	err := e.commitLocked("remove", changelog.OpDelete, removed)
	return e.stateLocked(), err
}

// UpdateLine replaces the given fields of a line. A resulting quantity of
// zero removes it. A missing line is created when the update carries a
// positive quantity.
func (e *Engine) UpdateLine(productID, batch string, u LineUpdate) (State, error) {
	if err := u.validate(); err != nil {
		return e.State(), err
	}
	if productID == "" {
		return e.State(), ErrMissingProduct
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	i := indexOf(e.lines, productID, batch)
	if i < 0 {
		if u.Quantity == nil || u.Quantity.IsZero() {
			return e.stateLocked(), nil
		}
		var line Line
		if u.Product != nil {
			line = NewLine(*u.Product, *u.Quantity)
		}
		line.ProductID, line.Batch = productID, batch
		line = u.apply(line)
		if err := line.Validate(); err != nil {
			return e.stateLocked(), err
		}
		e.lines = append(e.lines, line)
		err := e.commitLocked("update", changelog.OpPut, line)
		return e.stateLocked(), err
	}

	current := e.lines[i]
	next := u.apply(current)
	if next.Quantity.IsZero() {
		e.lines = append(e.lines[:i], e.lines[i+1:]...)
		err := e.commitLocked("update", changelog.OpDelete, current)
		return e.stateLocked(), err
	}
	if next.Equal(current) {
		return e.stateLocked(), nil
	}
	e.lines[i] = next
	err := e.commitLocked("update", changelog.OpPut, next)
	return e.stateLocked(), err
}

// Clear empties the cart.
func (e *Engine) Clear() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.lines) == 0 {
		return e.stateLocked(), nil
	}
	e.lines = []Line{}
	err := e.commitLocked("clear", changelog.OpClear, Line{})
	return e.stateLocked(), err
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// Seq is the sequence number of the last applied mutation.
func (e *Engine) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

func (e *Engine) Total() decimal.Decimal { return e.State().Total() }

func (e *Engine) TotalQuantity() decimal.Decimal { return e.State().TotalQuantity() }

func (e *Engine) TotalProfit() decimal.Decimal { return e.State().TotalProfit() }

func (e *Engine) stateLocked() State {
	return State{Lines: cloneLines(e.lines)}
}

func (e *Engine) putLocked(l Line) {
	if i := indexOf(e.lines, l.ProductID, l.Batch); i >= 0 {
		e.lines[i] = l
		return
	}
	e.lines = append(e.lines, l)
}

// commitLocked records an applied mutation: bump seq, journal it, write the
// snapshot. The in-memory change stands even when persistence fails.
func (e *Engine) commitLocked(intent string, op changelog.Op, l Line) error {
	e.seq++
	if e.metrics != nil {
		e.metrics.CartMutations.WithLabelValues(intent).Inc()
		e.metrics.CartLines.Set(float64(len(e.lines)))
	}

	var errs []error
	if e.journal != nil {
		ev := changelog.Event{
			ID:  uuid.NewString(),
			Seq: e.seq,
			Op:  op,
			TS:  e.now().Unix(),
		}
		if op != changelog.OpClear {
			ev.ProductID, ev.Batch = l.ProductID, l.Batch
		}
		if op == changelog.OpPut {
			raw, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("marshal line: %w", err)
			}
			ev.Line = raw
		}
		if err := e.journal.Append(ev); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		} else if e.metrics != nil {
			e.metrics.JournalAppended.Inc()
		}
	}
	if e.persist != nil {
		if err := e.persist.SaveCart(Snapshot{Seq: e.seq, Lines: cloneLines(e.lines)}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}

	err := &state.StorageError{Op: "persist cart", Err: errors.Join(errs...)}
	if e.metrics != nil {
		e.metrics.CartPersistErrors.Inc()
	}
	e.logger.Warn("cart mutation applied but not persisted",
		zap.String("intent", intent),
		zap.Int64("seq", e.seq),
		zap.Error(err),
	)
	return err
}
