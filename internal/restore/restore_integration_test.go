package restore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"offpos/internal/cart"
	"offpos/internal/changelog"
	"offpos/internal/model"
	"offpos/internal/snapshot"
	"offpos/internal/state"
)

// flakyPersister fails the writes whose seq is listed.
type flakyPersister struct {
	inner  cart.Persister
	failOn map[int64]bool
}

func (f flakyPersister) SaveCart(s cart.Snapshot) error {
	if f.failOn[s.Seq] {
		return errors.New("disk full")
	}
	return f.inner.SaveCart(s)
}

// Integration: engine -> store snapshot + journal -> restart -> RestoreCart -> same cart
func TestIntegration_EngineRestartRestoresCart(t *testing.T) {
	dir := t.TempDir()
	st, err := state.NewPebbleStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("pebble: %v", err)
	}
	snaps := snapshot.NewStoreSnapshotter(st, snapshot.DefaultKey)
	journal, err := changelog.NewFileWriter(filepath.Join(dir, "changelog"), "cart.jsonl")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}

	// The last two snapshot writes fail; the journal still records them.
	e := cart.NewEngine(
		cart.WithPersister(flakyPersister{inner: snaps, failOn: map[int64]bool{3: true, 4: true}}),
		cart.WithJournal(journal),
	)
	a := model.CachedProduct{ID: "1", BatchID: "B1", Price: decimal.NewFromInt(10), Cost: decimal.NewFromInt(6)}
	b := model.CachedProduct{ID: "2", BatchID: "B4", Price: decimal.NewFromInt(3)}
	if _, err := e.AddLine(a, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := e.AddLine(b, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if _, err := e.AddLine(a, decimal.NewFromInt(1)); err == nil {
		t.Fatalf("expected persist error on seq 3")
	}
	if _, err := e.RemoveLine("2", "B4"); err == nil {
		t.Fatalf("expected persist error on seq 4")
	}
	want := e.State()
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Restart.
	st2, err := state.NewPebbleStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	r := NewRestorer(snapshot.NewStoreSnapshotter(st2, snapshot.DefaultKey), WithJournalFile(journal.Path()))
	res, err := r.RestoreCart()
	if err != nil {
		t.Fatalf("RestoreCart: %v", err)
	}
	if res.SnapshotSeq != 2 || res.Applied != 2 || res.Skipped != 2 {
		t.Fatalf("unexpected counters: %+v", res)
	}

	restored := cart.NewEngine(cart.WithInitial(res.Snapshot))
	if !restored.State().Equal(want) {
		t.Fatalf("restored cart differs:\n got %+v\nwant %+v", restored.State().Lines, want.Lines)
	}
	if restored.Seq() != 4 {
		t.Fatalf("seq not carried over: %d", restored.Seq())
	}
	if !restored.Total().Equal(decimal.NewFromInt(30)) {
		t.Fatalf("total %s", restored.Total())
	}
}

// Integration: a damaged cart with a Kafka-only journal restarts empty, and
// the events it writes next never reuse a seq already in the journal.
func TestIntegration_DiscardedCartKeepsSeqMonotonic(t *testing.T) {
	st := state.NewInMemoryStore()
	snaps := snapshot.NewStoreSnapshotter(st, snapshot.DefaultKey)
	journal := &memJournal{}

	e := cart.NewEngine(cart.WithPersister(snaps), cart.WithJournal(journal))
	a := model.CachedProduct{ID: "1", BatchID: "B1", Price: decimal.NewFromInt(10)}
	for i := 0; i < 3; i++ {
		if _, err := e.AddLine(a, decimal.NewFromInt(1)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := st.Put(snapshot.DefaultKey, []byte(`{"version":1,"lines":"broken"}`)); err != nil {
		t.Fatal(err)
	}

	res, err := NewRestorer(snapshot.NewStoreSnapshotter(st, snapshot.DefaultKey)).RestoreCart()
	if err != nil {
		t.Fatalf("RestoreCart: %v", err)
	}
	if !res.Discarded || !res.SeqRaised || res.Snapshot.Seq != 3 || len(res.Snapshot.Lines) != 0 {
		t.Fatalf("unexpected: %+v", res)
	}

	e2 := cart.NewEngine(cart.WithInitial(res.Snapshot), cart.WithPersister(snaps), cart.WithJournal(journal))
	b := model.CachedProduct{ID: "2", BatchID: "B1", Price: decimal.NewFromInt(4)}
	if _, err := e2.AddLine(b, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("add after restart: %v", err)
	}
	if got := journal.events[len(journal.events)-1].Seq; got != 4 {
		t.Fatalf("first seq after restart = %d, want 4", got)
	}

	// replaying the whole topic over the saved cart leaves it as it is
	saved, err := snaps.LoadCart()
	if err != nil {
		t.Fatalf("LoadCart: %v", err)
	}
	cur := saved
	for _, ev := range journal.events {
		next, ok, err := Apply(cur, ev)
		if err != nil {
			t.Fatalf("apply %d: %v", ev.Seq, err)
		}
		if ok {
			t.Fatalf("event %d applied over a newer cart", ev.Seq)
		}
		cur = next
	}
	if len(cur.Lines) != 1 || cur.Lines[0].ProductID != "2" {
		t.Fatalf("stale cart after replay: %+v", cur.Lines)
	}
}

// memJournal stands in for a Kafka-only journal.
type memJournal struct{ events []changelog.Event }

func (m *memJournal) Append(e changelog.Event) error {
	m.events = append(m.events, e)
	return nil
}
