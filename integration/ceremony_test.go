package integration

import (
	"context"
	"encoding/json"
	"testing"

	bls "github.com/drand/kyber-bls12381"
	kyber_share "github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/chain/chaintest"
	"github.com/coven-labs/ritual-engine/pkgs/engine"
	"github.com/coven-labs/ritual-engine/pkgs/peers"
	"github.com/coven-labs/ritual-engine/pkgs/resolver"
	"github.com/coven-labs/ritual-engine/pkgs/ritualist"
	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

type ceremonyNode struct {
	address   common.Address
	engine    *engine.KyberEngine
	store     *rituals.Store
	ritualist *ritualist.Ritualist
}

// TestFullCeremony walks a three-node cohort through a complete ritual: round
// 1 transcripts, round 2 aggregation, finalization, and threshold decryption
// share recovery, with the stub chain standing in for the Coordinator
// contract.
func TestFullCeremony(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	client := chaintest.New()
	client.Latest = 1_000

	addrs := []common.Address{
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
		common.HexToAddress("0x0000000000000000000000000000000000000003"),
	}

	// every node publishes its ritual key into a shared peer book, the way
	// the refresher would populate it in production
	book := peers.NewBook()
	nodes := make([]*ceremonyNode, len(addrs))
	for i, addr := range addrs {
		eng := engine.NewKyberEngine(logger, addr)
		book.Add(&peers.Peer{
			Address: addr,
			Keys:    map[peers.Capability][]byte{peers.CapabilityRitual: eng.PublicKey()},
		})
		store := rituals.NewStore()
		nodes[i] = &ceremonyNode{
			address: addr,
			engine:  eng,
			store:   store,
			ritualist: ritualist.New(ritualist.Opts{
				Logger:        logger,
				Address:       addr,
				Client:        client,
				Engine:        eng,
				Resolver:      resolver.New(logger, book, addr, eng.PublicKey(), 0),
				Store:         store,
				SelfPublicKey: eng.PublicKey(),
			}),
		}
	}

	const ritualID = uint32(1)
	shares := uint16(len(addrs))
	threshold := rituals.Threshold(shares)
	ritual := &rituals.Ritual{
		ID:     ritualID,
		Shares: shares,
		Status: rituals.AwaitingTranscripts,
	}
	for _, addr := range addrs {
		ritual.Participants = append(ritual.Participants, rituals.Participant{Provider: addr})
	}
	client.Rituals[ritualID] = ritual

	// round 1: every node deals, and the mined transactions land in the
	// participant records
	for _, n := range nodes {
		current, err := client.Ritual(ctx, ritualID, true)
		require.NoError(t, err)
		res, err := n.ritualist.PerformRound1(ctx, current, 100)
		require.NoError(t, err)
		require.True(t, res.Executed)

		rec, ok := n.store.Get(ritualID)
		require.True(t, ok)
		require.NotEmpty(t, rec.Transcript)
		client.MarkTranscript(ritualID, n.address, rec.Transcript)
	}
	require.Zero(t, client.Rituals[ritualID].MissingTranscripts())

	// round 2: every node aggregates the same dealings and must derive the
	// same artifact and group key
	client.Rituals[ritualID].Status = rituals.AwaitingAggregations
	var aggregate, groupKey []byte
	for i, n := range nodes {
		current, err := client.Ritual(ctx, ritualID, true)
		require.NoError(t, err)
		res, err := n.ritualist.PerformRound2(ctx, current, 200)
		require.NoError(t, err)
		require.True(t, res.Executed)

		rec, ok := n.store.Get(ritualID)
		require.True(t, ok)
		if i == 0 {
			aggregate = rec.AggregatedTranscript
			groupKey = rec.PublicKey
			require.NotEmpty(t, aggregate)
			require.NotEmpty(t, groupKey)
		} else {
			require.Equal(t, aggregate, rec.AggregatedTranscript)
			require.Equal(t, groupKey, rec.PublicKey)
		}
	}

	// finalize and derive decryption shares for a fresh ciphertext header
	client.Rituals[ritualID].Status = rituals.Finalized
	client.Rituals[ritualID].AggregatedTranscript = aggregate

	suite := bls.NewBLS12381Suite()
	g1, g2 := suite.G1(), suite.G2()
	header := g2.Point().Mul(g1.Scalar().Pick(random.New()), nil)
	headerBytes, err := header.MarshalBinary()
	require.NoError(t, err)

	pubShares := make([]*kyber_share.PubShare, len(nodes))
	for i, n := range nodes {
		raw, err := n.ritualist.DeriveDecryptionShare(ctx, ritualID, headerBytes, []byte("conditions"), engine.VariantSimple)
		require.NoError(t, err)
		var ds engine.DecryptionShare
		require.NoError(t, json.Unmarshal(raw, &ds))
		v := g2.Point()
		require.NoError(t, v.UnmarshalBinary(ds.Share))
		pubShares[i] = &kyber_share.PubShare{I: ds.Index, V: v}
	}

	// any threshold-sized subset recovers the same combined value, and the
	// pairing ties it back to the group key posted on-chain
	firstPair, err := kyber_share.RecoverCommit(g2, pubShares[:threshold], int(threshold), len(nodes))
	require.NoError(t, err)
	lastPair, err := kyber_share.RecoverCommit(g2, pubShares[len(nodes)-int(threshold):], int(threshold), len(nodes))
	require.NoError(t, err)
	require.True(t, firstPair.Equal(lastPair))

	pk := g1.Point()
	require.NoError(t, pk.UnmarshalBinary(groupKey))
	require.True(t, suite.Pair(pk, header).Equal(suite.Pair(g1.Point().Base(), firstPair)))
}
