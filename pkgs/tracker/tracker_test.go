package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/chain"
	"github.com/coven-labs/ritual-engine/pkgs/chain/chaintest"
	"github.com/coven-labs/ritual-engine/pkgs/engine"
	"github.com/coven-labs/ritual-engine/pkgs/peers"
	"github.com/coven-labs/ritual-engine/pkgs/resolver"
	"github.com/coven-labs/ritual-engine/pkgs/ritualist"
	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

var (
	me    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	peerB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type stubEngine struct{}

func (stubEngine) GenerateTranscript(context.Context, []engine.Validator, uint16, uint16, uint32) ([]byte, error) {
	return []byte("transcript"), nil
}

func (stubEngine) AggregateTranscripts(context.Context, []engine.ValidatorTranscript, uint16, uint16, uint32) ([]byte, []byte, error) {
	return []byte("aggregate"), []byte("group-key"), nil
}

func (stubEngine) DeriveDecryptionShare(context.Context, []engine.ValidatorTranscript, uint16, uint16, uint32, []byte, []byte, []byte, engine.Variant) ([]byte, error) {
	return []byte("share"), nil
}

func newTracker(client *chaintest.StubClient, clock clockwork.Clock) (*Tracker, *peers.Book) {
	book := peers.NewBook()
	book.Add(&peers.Peer{
		Address: peerB,
		Keys:    map[peers.Capability][]byte{peers.CapabilityRitual: []byte("key-b")},
	})
	rit := ritualist.New(ritualist.Opts{
		Logger:        zap.NewNop(),
		Address:       me,
		Client:        client,
		Engine:        stubEngine{},
		Resolver:      resolver.New(zap.NewNop(), book, me, []byte("key-me"), 0),
		Store:         rituals.NewStore(),
		SelfPublicKey: []byte("key-me"),
	})
	return New(Opts{
		Logger:    zap.NewNop(),
		Client:    client,
		Ritualist: rit,
		Address:   me,
		Clock:     clock,
	}), book
}

func testRitual(status rituals.Status) *rituals.Ritual {
	return &rituals.Ritual{
		ID:     1,
		Shares: 2,
		Participants: []rituals.Participant{
			{Provider: me},
			{Provider: peerB},
		},
		Status: status,
	}
}

func TestFirstScanBlockCoversTimeoutWindow(t *testing.T) {
	client := chaintest.New()
	client.Latest = 10_000
	client.BlockTime = 12
	client.RitualTimeout = time.Hour
	trk, _ := newTracker(client, nil)

	first, err := trk.FirstScanBlock(context.Background())
	require.NoError(t, err)

	// every block after the returned one must still be inside the timeout
	// window relative to the head
	latest, err := client.Block(context.Background(), nil)
	require.NoError(t, err)
	require.Less(t, first, latest.Number)
	require.GreaterOrEqual(t, latest.Time-(client.GenesisTime+first*client.BlockTime), uint64(3600))

	// and the window is tight: 1 hour at 12s blocks is 300 blocks, minus
	// the one-block safety margin
	require.Equal(t, uint64(9_699), first)
}

func TestFirstScanBlockShortChain(t *testing.T) {
	client := chaintest.New()
	client.Latest = 50 // fewer blocks than the sample window
	trk, _ := newTracker(client, nil)

	first, err := trk.FirstScanBlock(context.Background())
	require.NoError(t, err)
	require.Zero(t, first)
}

func TestFirstScanBlockFallsBackToGenesis(t *testing.T) {
	client := chaintest.New()
	client.Latest = 100_000
	client.RitualTimeout = time.Hour
	// all timestamps identical: the walk-back can never cover the timeout
	// window, so the estimate must give up and scan from genesis
	client.TimeOf = func(uint64) uint64 { return 1_000 }
	trk, _ := newTracker(client, nil)

	first, err := trk.FirstScanBlock(context.Background())
	require.NoError(t, err)
	require.Zero(t, first)
}

func TestScanRetriesFailedRangeBeforeAdvancing(t *testing.T) {
	client := chaintest.New()
	client.Latest = 200
	client.EventsErr = errors.New("rpc flake")
	trk, _ := newTracker(client, nil)

	require.Error(t, trk.Scan(context.Background(), nil))
	require.NoError(t, trk.Scan(context.Background(), nil))
	require.Len(t, client.QueriedRanges, 2)
	require.Equal(t, client.QueriedRanges[0], client.QueriedRanges[1],
		"a failed range must be re-queried in full")

	// only a successful scan advances the cursor
	client.Latest = 250
	require.NoError(t, trk.Scan(context.Background(), nil))
	require.Equal(t, [2]uint64{200, 250}, client.QueriedRanges[2])
}

func TestScanDispatchesByPhase(t *testing.T) {
	client := chaintest.New()
	client.Latest = 200
	client.Rituals[1] = testRitual(rituals.AwaitingTranscripts)
	client.Events = []chain.Event{
		{Kind: chain.EventStartRitual, RitualID: 1, Block: 150},
	}
	trk, _ := newTracker(client, nil)

	require.NoError(t, trk.Scan(context.Background(), nil))
	require.Equal(t, []byte("transcript"), client.PostedTranscripts[1],
		"awaiting-transcripts rituals get a round 1 submission")
	require.Empty(t, client.PostedAggregations)
}

func TestScanIgnoresTerminalRituals(t *testing.T) {
	client := chaintest.New()
	client.Latest = 200
	client.Rituals[1] = testRitual(rituals.Timeout)
	client.Events = []chain.Event{
		{Kind: chain.EventEndRitual, RitualID: 1, Block: 150},
	}
	trk, _ := newTracker(client, nil)

	require.NoError(t, trk.Scan(context.Background(), nil))
	require.Empty(t, client.PostedTranscripts)
	require.Empty(t, client.PostedAggregations)
}

func TestScanFetchesRequestedRituals(t *testing.T) {
	// no events at all, but an explicitly requested ritual still gets
	// processed
	client := chaintest.New()
	client.Latest = 200
	client.Rituals[3] = &rituals.Ritual{
		ID:     3,
		Shares: 2,
		Participants: []rituals.Participant{
			{Provider: me},
			{Provider: peerB},
		},
		Status: rituals.AwaitingTranscripts,
	}
	trk, _ := newTracker(client, nil)

	require.NoError(t, trk.Scan(context.Background(), []uint32{3}))
	require.Equal(t, []byte("transcript"), client.PostedTranscripts[3])
}

func TestScanRedispatchesFailedRituals(t *testing.T) {
	peerC := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	client := chaintest.New()
	client.Latest = 200
	client.Rituals[1] = &rituals.Ritual{
		ID:     1,
		Shares: 3,
		Participants: []rituals.Participant{
			{Provider: me},
			{Provider: peerB},
			{Provider: peerC},
		},
		Status: rituals.AwaitingTranscripts,
	}
	client.Events = []chain.Event{
		{Kind: chain.EventStartRitual, RitualID: 1, Block: 150},
	}
	trk, book := newTracker(client, nil)
	ctx := context.Background()

	// one cohort member is not discoverable yet: round 1 fails, but the scan
	// itself succeeds and the cursor moves on
	require.NoError(t, trk.Scan(ctx, nil))
	require.Empty(t, client.PostedTranscripts)

	// the ritual's events are now behind the cursor; only the pending set can
	// bring it back
	client.Latest = 210
	require.NoError(t, trk.Scan(ctx, nil))
	require.Empty(t, client.PostedTranscripts)

	book.Add(&peers.Peer{
		Address: peerC,
		Keys:    map[peers.Capability][]byte{peers.CapabilityRitual: []byte("key-c")},
	})
	client.Latest = 220
	require.NoError(t, trk.Scan(ctx, nil))
	require.Equal(t, []byte("transcript"), client.PostedTranscripts[1],
		"a ritual whose dispatch failed must be retried once the peer appears")

	// resolved rituals leave the pending set
	trk.mtx.Lock()
	defer trk.mtx.Unlock()
	require.Empty(t, trk.pending)
}

func TestResolveParticipation(t *testing.T) {
	client := chaintest.New()
	client.Latest = 200
	ritual := testRitual(rituals.AwaitingTranscripts)
	client.Rituals[1] = ritual
	trk, _ := newTracker(client, nil)
	ctx := context.Background()

	p, err := trk.ResolveParticipation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, Participating, p)

	ritual.Participants[0].Transcript = []byte("posted")
	p, err = trk.ResolveParticipation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, PostedTranscript, p)

	ritual.Participants[0].Aggregated = true
	p, err = trk.ResolveParticipation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, PostedAggregate, p)

	ritual.Participants = ritual.Participants[1:]
	p, err = trk.ResolveParticipation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, NotParticipating, p)
}

func TestRunScansOnTicks(t *testing.T) {
	client := chaintest.New()
	client.Latest = 200
	clock := clockwork.NewFakeClock()
	trk, _ := newTracker(client, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		trk.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return client.RangeCount() >= 1 }, time.Second, time.Millisecond)

	clock.Advance(DefaultPollInterval)
	require.Eventually(t, func() bool { return client.RangeCount() >= 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop on context cancellation")
	}
}
