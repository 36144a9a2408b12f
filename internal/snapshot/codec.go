package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"offpos/internal/cart"
)

// CurrentVersion is the envelope version written by Encode.
const CurrentVersion = 1

// ErrMalformed reports a persisted cart that cannot be trusted.
var ErrMalformed = errors.New("malformed cart snapshot")

// Envelope is the persisted form of the cart.
type Envelope struct {
	Version int         `json:"version"`
	Seq     int64       `json:"seq"`
	SavedAt int64       `json:"saved_at"`
	Lines   []cart.Line `json:"lines"`
}

// legacyLine is the unversioned shape: a bare JSON array of these.
type legacyLine struct {
	ID           string          `json:"id"`
	Batch        string          `json:"batch"`
	BatchID      string          `json:"batch_id"`
	Name         string          `json:"name"`
	Image        string          `json:"image"`
	Quantity     decimal.Decimal `json:"quantity"`
	FreeQuantity decimal.Decimal `json:"free_quantity"`
	Price        decimal.Decimal `json:"price"`
	Cost         decimal.Decimal `json:"cost"`
	Discount     decimal.Decimal `json:"discount"`
}

func (l legacyLine) migrate() cart.Line {
	batch := l.Batch
	if batch == "" {
		batch = l.BatchID
	}
	return cart.Line{
		ProductID:    l.ID,
		Batch:        batch,
		Name:         l.Name,
		Image:        l.Image,
		Quantity:     l.Quantity,
		FreeQuantity: l.FreeQuantity,
		UnitPrice:    l.Price,
		UnitCost:     l.Cost,
		FlatDiscount: l.Discount,
	}
}

func Encode(s cart.Snapshot, savedAt time.Time) ([]byte, error) {
	lines := s.Lines
	if lines == nil {
		lines = []cart.Line{}
	}
	b, err := json.Marshal(Envelope{
		Version: CurrentVersion,
		Seq:     s.Seq,
		SavedAt: savedAt.UTC().Unix(),
		Lines:   lines,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	return b, nil
}

// Decode parses a persisted cart. Any invalid line makes the whole cart
// ErrMalformed.
func Decode(data []byte) (cart.Snapshot, error) {
	s, dropped, err := decode(data, false)
	if err != nil {
		return cart.Snapshot{}, err
	}
	if dropped > 0 {
		return cart.Snapshot{}, fmt.Errorf("%w: %d invalid lines", ErrMalformed, dropped)
	}
	return s, nil
}

// DecodePartial is Decode that keeps the valid lines and reports how many
// were dropped. A document that is not a cart at all is still ErrMalformed.
func DecodePartial(data []byte) (cart.Snapshot, int, error) {
	return decode(data, true)
}

func decode(data []byte, partial bool) (cart.Snapshot, int, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return cart.Snapshot{}, 0, fmt.Errorf("%w: empty document", ErrMalformed)
	}

	var lines []cart.Line
	var seq int64
	switch data[0] {
	case '[':
		var legacy []legacyLine
		if err := json.Unmarshal(data, &legacy); err != nil {
			return cart.Snapshot{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		for _, l := range legacy {
			lines = append(lines, l.migrate())
		}
	case '{':
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return cart.Snapshot{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if env.Version < 1 || env.Version > CurrentVersion {
			return cart.Snapshot{}, 0, fmt.Errorf("%w: unsupported version %d", ErrMalformed, env.Version)
		}
		lines, seq = env.Lines, env.Seq
	default:
		return cart.Snapshot{}, 0, fmt.Errorf("%w: not a cart document", ErrMalformed)
	}

	out := make([]cart.Line, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	dropped := 0
	for _, l := range lines {
		if l.Validate() != nil || seen[l.Key()] {
			dropped++
			if !partial {
				break
			}
			continue
		}
		seen[l.Key()] = true
		out = append(out, l)
	}
	return cart.Snapshot{Seq: seq, Lines: out}, dropped, nil
}
