package ritualist

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/chain/chaintest"
	"github.com/coven-labs/ritual-engine/pkgs/engine"
	"github.com/coven-labs/ritual-engine/pkgs/peers"
	"github.com/coven-labs/ritual-engine/pkgs/resolver"
	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

var (
	me    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	peerB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

// countingEngine is a crypto engine stub that records how often each
// operation ran and what dealings it last saw.
type countingEngine struct {
	generateCalls  int
	aggregateCalls int
	deriveCalls    int
	lastDealings   []engine.ValidatorTranscript
}

func (e *countingEngine) GenerateTranscript(context.Context, []engine.Validator, uint16, uint16, uint32) ([]byte, error) {
	e.generateCalls++
	return []byte("generated-transcript"), nil
}

func (e *countingEngine) AggregateTranscripts(_ context.Context, dealings []engine.ValidatorTranscript, _, _ uint16, _ uint32) ([]byte, []byte, error) {
	e.aggregateCalls++
	e.lastDealings = dealings
	return []byte("aggregate"), []byte("group-key"), nil
}

func (e *countingEngine) DeriveDecryptionShare(_ context.Context, dealings []engine.ValidatorTranscript, _, _ uint16, _ uint32, _, _, _ []byte, _ engine.Variant) ([]byte, error) {
	e.deriveCalls++
	e.lastDealings = dealings
	return []byte("decryption-share"), nil
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

func harness(status rituals.Status) (*Ritualist, *chaintest.StubClient, *countingEngine) {
	client := chaintest.New()
	client.Rituals[1] = testRitual(status)

	book := peers.NewBook()
	book.Add(&peers.Peer{
		Address: peerB,
		Keys:    map[peers.Capability][]byte{peers.CapabilityRitual: []byte("key-b")},
	})

	eng := &countingEngine{}
	r := New(Opts{
		Logger:        zap.NewNop(),
		Address:       me,
		Client:        client,
		Engine:        eng,
		Resolver:      resolver.New(zap.NewNop(), book, me, []byte("key-me"), 0),
		Store:         rituals.NewStore(),
		SelfPublicKey: []byte("key-me"),
	})
	return r, client, eng
}

func TestRound1PostsOnce(t *testing.T) {
	r, client, eng := harness(rituals.AwaitingTranscripts)
	ctx := context.Background()
	ritual := testRitual(rituals.AwaitingTranscripts)

	res, err := r.PerformRound1(ctx, ritual, 100)
	require.NoError(t, err)
	require.True(t, res.Executed)
	require.NotNil(t, res.Receipt)
	require.Equal(t, 1, eng.generateCalls)
	require.Equal(t, []byte("generated-transcript"), client.PostedTranscripts[1])

	// the locally authored transcript is cached before submission
	rec, ok := r.store.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("generated-transcript"), rec.Transcript)
	require.NotNil(t, rec.TranscriptReceipt)

	// once the transaction mines, the authoritative record shows our
	// transcript and a rescan becomes a no-op
	client.MarkTranscript(1, me, []byte("generated-transcript"))
	res, err = r.PerformRound1(ctx, ritual, 200)
	require.NoError(t, err)
	require.False(t, res.Executed)
	require.Equal(t, SkipAlreadyPosted, res.Skip)
	require.Equal(t, 1, eng.generateCalls, "no redundant crypto work on rescan")
}

func TestRound1SkipsNonParticipants(t *testing.T) {
	r, _, eng := harness(rituals.AwaitingTranscripts)
	ritual := testRitual(rituals.AwaitingTranscripts)
	ritual.Participants = ritual.Participants[1:] // drop the local node

	res, err := r.PerformRound1(context.Background(), ritual, 100)
	require.NoError(t, err)
	require.Equal(t, SkipNotParticipant, res.Skip)
	require.Zero(t, eng.generateCalls)
}

func TestRound1RechecksAuthoritativePhase(t *testing.T) {
	// the scan saw awaiting-transcripts, but the chain has moved on
	r, client, eng := harness(rituals.AwaitingTranscripts)
	client.Rituals[1].Status = rituals.Timeout

	res, err := r.PerformRound1(context.Background(), testRitual(rituals.AwaitingTranscripts), 100)
	require.NoError(t, err)
	require.Equal(t, SkipWrongPhase, res.Skip)
	require.Zero(t, eng.generateCalls)
}

func TestRound2WaitsForMissingTranscripts(t *testing.T) {
	r, client, eng := harness(rituals.AwaitingAggregations)
	ritual := testRitual(rituals.AwaitingAggregations)
	ritual.Participants[0].Transcript = []byte("mine")
	client.Rituals[1] = ritual

	res, err := r.PerformRound2(context.Background(), ritual, 100)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMissingTranscripts))
	require.False(t, res.Executed)
	require.Zero(t, eng.aggregateCalls, "aggregation must not run on a partial cohort")
}

func TestRound2AggregatesAndPosts(t *testing.T) {
	r, client, eng := harness(rituals.AwaitingAggregations)
	ritual := testRitual(rituals.AwaitingAggregations)
	ritual.Participants[0].Transcript = []byte("mine")
	ritual.Participants[1].Transcript = []byte("theirs")
	client.Rituals[1] = ritual

	res, err := r.PerformRound2(context.Background(), ritual, 100)
	require.NoError(t, err)
	require.True(t, res.Executed)
	require.Equal(t, 1, eng.aggregateCalls)
	require.Equal(t, []byte("aggregate"), client.PostedAggregations[1])
	require.Equal(t, []byte("group-key"), client.Rituals[1].PublicKey)

	rec, ok := r.store.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("aggregate"), rec.AggregatedTranscript)
	require.Equal(t, []byte("group-key"), rec.PublicKey)

	// the authoritative participant record now shows the aggregation
	client.Rituals[1].Participants[0].Aggregated = true
	res, err = r.PerformRound2(context.Background(), ritual, 200)
	require.NoError(t, err)
	require.Equal(t, SkipAlreadyPosted, res.Skip)
	require.Equal(t, 1, eng.aggregateCalls)
}

func TestRound2PrefersLocalTranscript(t *testing.T) {
	r, client, eng := harness(rituals.AwaitingAggregations)
	ritual := testRitual(rituals.AwaitingAggregations)
	ritual.Participants[0].Transcript = []byte("onchain-copy")
	ritual.Participants[1].Transcript = []byte("theirs")
	client.Rituals[1] = ritual

	r.store.SetTranscript(1, []byte("local-copy"))

	_, err := r.PerformRound2(context.Background(), ritual, 100)
	require.NoError(t, err)

	var mine []byte
	for _, d := range eng.lastDealings {
		if d.Validator.Address == me {
			mine = d.Transcript
		}
	}
	require.Equal(t, []byte("local-copy"), mine)
}

func TestDeriveDecryptionShareRequiresFinalized(t *testing.T) {
	r, _, eng := harness(rituals.AwaitingTranscripts)

	_, err := r.DeriveDecryptionShare(context.Background(), 1, []byte("header"), nil, engine.VariantSimple)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFinalized))
	require.Zero(t, eng.deriveCalls, "no crypto work before the DKG completes")
}

func TestDeriveDecryptionShare(t *testing.T) {
	r, client, eng := harness(rituals.Finalized)
	ritual := testRitual(rituals.Finalized)
	ritual.Participants[0].Transcript = []byte("mine")
	ritual.Participants[1].Transcript = []byte("theirs")
	ritual.AggregatedTranscript = []byte("aggregate")
	client.Rituals[1] = ritual

	share, err := r.DeriveDecryptionShare(context.Background(), 1, []byte("header"), []byte("conditions"), engine.VariantSimple)
	require.NoError(t, err)
	require.Equal(t, []byte("decryption-share"), share)
	require.Equal(t, 1, eng.deriveCalls)
}

func TestDeriveDecryptionShareFlagsCorruptRituals(t *testing.T) {
	r, client, _ := harness(rituals.Finalized)
	ritual := testRitual(rituals.Finalized)
	ritual.Participants[0].Transcript = []byte("mine")
	ritual.Participants[1].Transcript = []byte("theirs")
	// finalized but no aggregate on record: a data-integrity bug, not a
	// wait-state
	client.Rituals[1] = ritual

	_, err := r.DeriveDecryptionShare(context.Background(), 1, []byte("header"), nil, engine.VariantSimple)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotFinalized))
	require.Contains(t, err.Error(), "no aggregated transcript")
}
