// Package chaintest provides an in-memory chain.Gateway for tests.
package chaintest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/rakeback-engine/internal/chain"
)

// Memory serves canned blocks and conversions. Blocks without data are
// reported as having no yield record.
type Memory struct {
	mu          sync.Mutex
	head        int64
	blocks      map[string]*chain.BlockStakes
	conversions []chain.ConversionObservation
	failures    map[string]error

	// Calls counts BlockStakes invocations.
	Calls atomic.Int64
}

// NewMemory returns an empty gateway with the given head.
func NewMemory(head int64) *Memory {
	return &Memory{
		head:     head,
		blocks:   make(map[string]*chain.BlockStakes),
		failures: make(map[string]error),
	}
}

func key(validator string, block int64) string {
	return validator + "/" + strconv.FormatInt(block, 10)
}

// SetBlock stores the state served for (b.Validator, b.Block).
func (m *Memory) SetBlock(b chain.BlockStakes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := b
	m.blocks[key(b.Validator, b.Block)] = &cp
}

// Fail makes BlockStakes return err for the block until cleared with a nil err.
func (m *Memory) Fail(validator string, block int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, key(validator, block))
		return
	}
	m.failures[key(validator, block)] = err
}

// AddConversion appends an observation.
func (m *Memory) AddConversion(c chain.ConversionObservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversions = append(m.conversions, c)
}

// SetHead moves the chain head.
func (m *Memory) SetHead(h int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = h
}

func (m *Memory) BlockStakes(_ context.Context, validator string, block int64) (*chain.BlockStakes, error) {
	m.Calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[key(validator, block)]; err != nil {
		return nil, err
	}
	if b, ok := m.blocks[key(validator, block)]; ok {
		cp := *b
		cp.Stakes = append([]chain.StakeEntry(nil), b.Stakes...)
		return &cp, nil
	}
	return &chain.BlockStakes{Validator: validator, Block: block}, nil
}

func (m *Memory) ChainHead(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *Memory) Conversions(_ context.Context, start, end int64, validator string) ([]chain.ConversionObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chain.ConversionObservation
	for _, c := range m.conversions {
		if c.Block < start || c.Block > end {
			continue
		}
		if validator != "" && c.Validator != validator {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Block < out[j].Block })
	return out, nil
}

// FixedPrice is a chain.PriceSource that always returns one price.
type FixedPrice decimal.Decimal

func (p FixedPrice) PriceAt(context.Context, time.Time) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}
