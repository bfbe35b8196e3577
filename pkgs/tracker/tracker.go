package tracker

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/chain"
	"github.com/coven-labs/ritual-engine/pkgs/ritualist"
	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

const (
	// DefaultSampleWindow is how many blocks are sampled to estimate the
	// average block time on a cold start.
	DefaultSampleWindow = 100

	// DefaultPollInterval is the fixed scan cadence. The tracker is purely
	// poll-driven; no push notifications from the chain are assumed.
	DefaultPollInterval = 60 * time.Second

	// maxBackoffIterations caps the block-by-block walk when the average
	// block time estimate lands inside the timeout window. On overrun the
	// tracker falls back to scanning from genesis, which is always correct.
	maxBackoffIterations = 1024
)

// Participation is the local node's contribution state for a ritual, read
// from the authoritative on-chain participant record.
type Participation int

const (
	NotParticipating Participation = iota
	Participating
	PostedTranscript
	PostedAggregate
)

func (p Participation) String() string {
	switch p {
	case NotParticipating:
		return "not participating"
	case Participating:
		return "participating"
	case PostedTranscript:
		return "posted transcript"
	case PostedAggregate:
		return "posted aggregate"
	default:
		return "unknown"
	}
}

// Tracker maintains the local view of which rituals exist and need action by
// scanning Coordinator events on a fixed interval and dispatching
// phase-appropriate steps to the Ritualist. Scans have at-least-once
// semantics: the cursor only advances after a scan finishes without error.
type Tracker struct {
	logger       *zap.Logger
	client       chain.Client
	ritualist    *ritualist.Ritualist
	me           common.Address
	clock        clockwork.Clock
	interval     time.Duration
	sampleWindow uint64

	mtx     sync.Mutex
	cursor  uint64
	scanned bool
	pending map[uint32]struct{}
}

// Opts carries the tracker's collaborators. Zero values for Clock, Interval
// and SampleWindow select the defaults.
type Opts struct {
	Logger       *zap.Logger
	Client       chain.Client
	Ritualist    *ritualist.Ritualist
	Address      common.Address
	Clock        clockwork.Clock
	Interval     time.Duration
	SampleWindow uint64
}

func New(opts Opts) *Tracker {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	sampleWindow := opts.SampleWindow
	if sampleWindow == 0 {
		sampleWindow = DefaultSampleWindow
	}
	return &Tracker{
		logger:       opts.Logger,
		client:       opts.Client,
		ritualist:    opts.Ritualist,
		me:           opts.Address,
		clock:        clock,
		interval:     interval,
		sampleWindow: sampleWindow,
		pending:      make(map[uint32]struct{}),
	}
}

// FirstScanBlock estimates the earliest block that could still hold an
// in-flight ritual, so a cold start does not scan the whole chain. It samples
// the average block time, walks the estimate far enough back to cover the
// ritual timeout, and returns one block earlier to avoid an off-by-one
// exclusion. The estimate is re-derived on every restart: average block time
// drifts.
func (t *Tracker) FirstScanBlock(ctx context.Context) (uint64, error) {
	latest, err := t.client.Block(ctx, nil)
	if err != nil {
		return 0, err
	}
	if latest.Number == 0 {
		return 0, nil
	}
	if t.sampleWindow >= latest.Number {
		// not enough history to sample from, scan everything
		return 0, nil
	}
	sample, err := t.client.Block(ctx, new(big.Int).SetUint64(latest.Number-t.sampleWindow))
	if err != nil {
		return 0, err
	}
	averageBlockTime := (latest.Time - sample.Time) / t.sampleWindow
	if averageBlockTime == 0 {
		averageBlockTime = 1
	}

	timeout, err := t.client.Timeout(ctx)
	if err != nil {
		return 0, err
	}
	timeoutSeconds := uint64(timeout / time.Second)

	estimatedBlocksInPast := timeoutSeconds / averageBlockTime
	if estimatedBlocksInPast >= latest.Number {
		return 0, nil
	}
	candidate := latest.Number - estimatedBlocksInPast

	// the estimate may undershoot; walk back until the timeout window is
	// covered (timestamps are monotone, so this terminates)
	for i := 0; ; i++ {
		block, err := t.client.Block(ctx, new(big.Int).SetUint64(candidate))
		if err != nil {
			return 0, err
		}
		if latest.Time-block.Time >= timeoutSeconds {
			break
		}
		if candidate == 0 {
			return 0, nil
		}
		if i >= maxBackoffIterations {
			t.logger.Warn("first scan block estimate overran, scanning from genesis",
				zap.Uint64("latest", latest.Number),
				zap.Uint64("average_block_time", averageBlockTime))
			return 0, nil
		}
		candidate--
	}
	if candidate == 0 {
		return 0, nil
	}
	return candidate - 1, nil
}

// Scan processes every ritual touched by events in [cursor, latest], plus the
// explicitly requested ids and every ritual whose previous dispatch failed.
// Chain-read failures leave the cursor untouched so the next tick retries the
// same range. Failures while processing one ritual never block the rest of
// the batch; the failed ritual stays pending and is re-dispatched on every
// tick until it resolves or goes terminal, so advancing the cursor past its
// events loses nothing.
func (t *Tracker) Scan(ctx context.Context, fetchRituals []uint32) error {
	latest, err := t.client.Block(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "fetch latest block")
	}

	t.mtx.Lock()
	from := t.cursor
	scanned := t.scanned
	retry := make([]uint32, 0, len(t.pending))
	for id := range t.pending {
		retry = append(retry, id)
	}
	t.mtx.Unlock()

	if !scanned {
		from, err = t.FirstScanBlock(ctx)
		if err != nil {
			return errors.Wrap(err, "determine first scan block")
		}
	}

	events, err := t.client.RitualEvents(ctx, from, latest.Number)
	if err != nil {
		return errors.Wrapf(err, "scan events in [%d, %d]", from, latest.Number)
	}

	ids := make([]uint32, 0, len(events)+len(fetchRituals)+len(retry))
	seen := make(map[uint32]struct{})
	for _, ev := range events {
		if _, ok := seen[ev.RitualID]; !ok {
			seen[ev.RitualID] = struct{}{}
			ids = append(ids, ev.RitualID)
		}
	}
	for _, id := range append(fetchRituals, retry...) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	var (
		wg     conc.WaitGroup
		failMu sync.Mutex
		failed = make(map[uint32]struct{})
	)
	for _, id := range ids {
		id := id
		wg.Go(func() {
			if t.process(ctx, id, latest.Time) {
				failMu.Lock()
				failed[id] = struct{}{}
				failMu.Unlock()
			}
		})
	}
	wg.Wait()

	t.mtx.Lock()
	t.cursor = latest.Number
	t.scanned = true
	t.pending = failed
	t.mtx.Unlock()

	t.logger.Debug("scan complete",
		zap.Uint64("from", from),
		zap.Uint64("to", latest.Number),
		zap.Int("rituals", len(ids)))
	return nil
}

// process refetches the authoritative ritual record (events may be stale or
// reordered at the RPC layer) and dispatches the phase-appropriate step. It
// reports whether the ritual needs another dispatch on the next tick.
func (t *Tracker) process(ctx context.Context, ritualID uint32, timestamp uint64) bool {
	log := t.logger.With(zap.Uint32("ritual", ritualID))

	ritual, err := t.client.Ritual(ctx, ritualID, true)
	if err != nil {
		log.Error("failed to fetch ritual", zap.Error(err))
		return true
	}
	log = log.With(zap.Stringer("status", ritual.Status))

	switch ritual.Status {
	case rituals.AwaitingTranscripts:
		res, err := t.ritualist.PerformRound1(ctx, ritual, timestamp)
		return t.report(log, "round 1", res, err)
	case rituals.AwaitingAggregations:
		res, err := t.ritualist.PerformRound2(ctx, ritual, timestamp)
		return t.report(log, "round 2", res, err)
	case rituals.Finalized, rituals.Timeout:
		log.Debug("ritual is terminal, nothing to do")
		return false
	default:
		log.Debug("ritual not yet initiated")
		return false
	}
}

func (t *Tracker) report(log *zap.Logger, round string, res ritualist.Result, err error) bool {
	switch {
	case errors.Is(err, ritualist.ErrMissingTranscripts):
		// wait-state: peers are still submitting, retried next tick
		log.Debug(round+" waiting on peers", zap.Error(err))
		return true
	case err != nil:
		log.Error(round+" failed", zap.Error(err))
		return true
	case res.Executed:
		log.Info(round + " executed")
		return false
	default:
		log.Debug(round+" skipped", zap.Stringer("reason", res.Skip))
		return false
	}
}

// ResolveParticipation reads this node's contribution state for a ritual from
// the authoritative on-chain record. A local cache is never consulted: it
// could be stale relative to a concurrent submission through another path.
func (t *Tracker) ResolveParticipation(ctx context.Context, ritualID uint32) (Participation, error) {
	ritual, err := t.client.Ritual(ctx, ritualID, true)
	if err != nil {
		return NotParticipating, err
	}
	p, ok := ritual.FindParticipant(t.me)
	if !ok {
		return NotParticipating, nil
	}
	switch {
	case p.Aggregated:
		return PostedAggregate, nil
	case len(p.Transcript) > 0:
		return PostedTranscript, nil
	default:
		return Participating, nil
	}
}

// Run scans on a fixed interval until the context is cancelled. A failed scan
// is logged and retried on the next tick; nothing here can take the loop
// down.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	if err := t.Scan(ctx, nil); err != nil {
		t.logger.Error("initial scan failed", zap.Error(err))
	}
	for {
		select {
		case <-ticker.Chan():
			if err := t.Scan(ctx, nil); err != nil {
				t.logger.Error("scan failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
