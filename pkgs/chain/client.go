package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

// Block is the small slice of a block header the ritual engine cares about.
type Block struct {
	Number uint64
	Time   uint64
}

// EventKind tags a Coordinator contract event.
type EventKind int

const (
	EventStartRitual EventKind = iota
	EventTranscriptPosted
	EventAggregationPosted
	EventEndRitual
)

func (k EventKind) String() string {
	switch k {
	case EventStartRitual:
		return "StartRitual"
	case EventTranscriptPosted:
		return "TranscriptPosted"
	case EventAggregationPosted:
		return "AggregationPosted"
	case EventEndRitual:
		return "EndRitual"
	default:
		return "Unknown"
	}
}

// Event is a ritual-related contract event. Events only signal that a ritual
// was touched; consumers must refetch the authoritative ritual record, since
// events can be stale or reordered at the RPC layer.
type Event struct {
	Kind     EventKind
	RitualID uint32
	Block    uint64
	Node     common.Address
}

// Client is the read/submit boundary to the Coordinator contract. Chain reads
// carry their own timeouts through the context; transaction submission is
// send-and-optionally-wait depending on how the implementation is configured.
type Client interface {
	// Block returns the header fields for the given block number, or the
	// latest block when number is nil.
	Block(ctx context.Context, number *big.Int) (*Block, error)

	// Ritual fetches the authoritative ritual record, optionally including
	// the full participant list.
	Ritual(ctx context.Context, ritualID uint32, withParticipants bool) (*rituals.Ritual, error)

	// RitualStatus fetches just the lifecycle status.
	RitualStatus(ctx context.Context, ritualID uint32) (rituals.Status, error)

	// Participant fetches a single participant record.
	Participant(ctx context.Context, ritualID uint32, provider common.Address) (*rituals.Participant, error)

	// Timeout returns the contract's configured ritual timeout.
	Timeout(ctx context.Context) (time.Duration, error)

	// NumberOfRituals returns how many rituals the contract has ever created.
	NumberOfRituals(ctx context.Context) (uint32, error)

	// RitualEvents returns every ritual-related event in [from, to].
	RitualEvents(ctx context.Context, from, to uint64) ([]Event, error)

	// PostTranscript submits a round 1 transcript. The receipt is nil when
	// the client is configured fire-and-forget.
	PostTranscript(ctx context.Context, ritualID uint32, transcript []byte, txOpts *bind.TransactOpts) (*types.Receipt, error)

	// PostAggregation submits a round 2 aggregate together with the derived
	// group public key and this participant's own public key.
	PostAggregation(ctx context.Context, ritualID uint32, aggregate, publicKey, participantPublicKey []byte, txOpts *bind.TransactOpts) (*types.Receipt, error)
}
