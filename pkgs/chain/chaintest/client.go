// Package chaintest provides a configurable in-memory Client for tests: a
// synthetic chain with deterministic block times and a mutable ritual table
// that behaves like the Coordinator contract.
package chaintest

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/coven-labs/ritual-engine/pkgs/chain"
	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

type StubClient struct {
	mtx sync.Mutex

	// Latest is the current chain head. Block timestamps are GenesisTime +
	// number*BlockTime unless TimeOf overrides them.
	Latest      uint64
	GenesisTime uint64
	BlockTime   uint64
	TimeOf      func(number uint64) uint64

	Rituals       map[uint32]*rituals.Ritual
	RitualTimeout time.Duration
	Events        []chain.Event

	// EventsErr, when set, fails the next RitualEvents call and is cleared.
	EventsErr error

	// QueriedRanges records every RitualEvents call, successful or not.
	QueriedRanges [][2]uint64

	PostedTranscripts  map[uint32][]byte
	PostedAggregations map[uint32][]byte
}

var _ chain.Client = (*StubClient)(nil)

func New() *StubClient {
	return &StubClient{
		BlockTime:          12,
		RitualTimeout:      time.Hour,
		Rituals:            make(map[uint32]*rituals.Ritual),
		PostedTranscripts:  make(map[uint32][]byte),
		PostedAggregations: make(map[uint32][]byte),
	}
}

func (c *StubClient) blockTime(number uint64) uint64 {
	if c.TimeOf != nil {
		return c.TimeOf(number)
	}
	return c.GenesisTime + number*c.BlockTime
}

func (c *StubClient) Block(_ context.Context, number *big.Int) (*chain.Block, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n := c.Latest
	if number != nil {
		n = number.Uint64()
	}
	if n > c.Latest {
		return nil, errors.Errorf("block %d not found", n)
	}
	return &chain.Block{Number: n, Time: c.blockTime(n)}, nil
}

func (c *StubClient) Ritual(_ context.Context, ritualID uint32, withParticipants bool) (*rituals.Ritual, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, ok := c.Rituals[ritualID]
	if !ok {
		return nil, errors.Errorf("ritual %d not found", ritualID)
	}
	cp := *r
	cp.Participants = nil
	if withParticipants {
		cp.Participants = append([]rituals.Participant(nil), r.Participants...)
	}
	return &cp, nil
}

func (c *StubClient) RitualStatus(_ context.Context, ritualID uint32) (rituals.Status, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, ok := c.Rituals[ritualID]
	if !ok {
		return rituals.NonInitiated, nil
	}
	return r.Status, nil
}

func (c *StubClient) Participant(_ context.Context, ritualID uint32, provider common.Address) (*rituals.Participant, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, ok := c.Rituals[ritualID]
	if !ok {
		return nil, errors.Errorf("ritual %d not found", ritualID)
	}
	for i := range r.Participants {
		if r.Participants[i].Provider == provider {
			cp := r.Participants[i]
			return &cp, nil
		}
	}
	return nil, errors.Errorf("participant %s not in ritual %d", provider.Hex(), ritualID)
}

func (c *StubClient) Timeout(context.Context) (time.Duration, error) {
	return c.RitualTimeout, nil
}

func (c *StubClient) NumberOfRituals(context.Context) (uint32, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return uint32(len(c.Rituals)), nil
}

func (c *StubClient) RitualEvents(_ context.Context, from, to uint64) ([]chain.Event, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.QueriedRanges = append(c.QueriedRanges, [2]uint64{from, to})
	if c.EventsErr != nil {
		err := c.EventsErr
		c.EventsErr = nil
		return nil, err
	}
	var out []chain.Event
	for _, ev := range c.Events {
		if ev.Block >= from && ev.Block <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RangeCount returns how many RitualEvents calls were recorded. Safe to call
// while a tracker goroutine is scanning.
func (c *StubClient) RangeCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.QueriedRanges)
}

func (c *StubClient) PostTranscript(_ context.Context, ritualID uint32, transcript []byte, _ *bind.TransactOpts) (*types.Receipt, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, ok := c.Rituals[ritualID]
	if !ok {
		return nil, errors.Errorf("ritual %d not found", ritualID)
	}
	c.PostedTranscripts[ritualID] = transcript
	r.TotalTranscripts++
	return c.receipt(), nil
}

func (c *StubClient) PostAggregation(_ context.Context, ritualID uint32, aggregate, publicKey, _ []byte, _ *bind.TransactOpts) (*types.Receipt, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, ok := c.Rituals[ritualID]
	if !ok {
		return nil, errors.Errorf("ritual %d not found", ritualID)
	}
	c.PostedAggregations[ritualID] = aggregate
	r.PublicKey = publicKey
	r.TotalAggregations++
	return c.receipt(), nil
}

func (c *StubClient) receipt() *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(c.Latest),
	}
}

// MarkTranscript sets a participant's transcript the way a mined
// postTranscript transaction would.
func (c *StubClient) MarkTranscript(ritualID uint32, provider common.Address, transcript []byte) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r := c.Rituals[ritualID]
	for i := range r.Participants {
		if r.Participants[i].Provider == provider {
			r.Participants[i].Transcript = transcript
		}
	}
}
