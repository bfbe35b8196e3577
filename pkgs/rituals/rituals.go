package rituals

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a ritual as reported by the Coordinator
// contract. Transitions only ever move forward; Timeout and Finalized are
// terminal.
type Status uint8

const (
	NonInitiated Status = iota
	AwaitingTranscripts
	AwaitingAggregations
	Timeout
	Finalized
)

func (s Status) String() string {
	switch s {
	case NonInitiated:
		return "non-initiated"
	case AwaitingTranscripts:
		return "awaiting-transcripts"
	case AwaitingAggregations:
		return "awaiting-aggregations"
	case Timeout:
		return "timeout"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == Timeout || s == Finalized
}

// ValidTransition reports whether moving from one status to another respects
// the ritual lifecycle: strictly forward through the DKG phases, with Timeout
// reachable from either awaiting phase.
func ValidTransition(from, to Status) bool {
	switch from {
	case NonInitiated:
		return to == AwaitingTranscripts
	case AwaitingTranscripts:
		return to == AwaitingAggregations || to == Timeout
	case AwaitingAggregations:
		return to == Finalized || to == Timeout
	default:
		return false
	}
}

// Threshold derives the decryption threshold for a given number of shares.
// The result is a strict majority and can never exceed the share count.
func Threshold(shares uint16) uint16 {
	return shares/2 + 1
}

// Participant is a single member of a ritual cohort as recorded on-chain.
type Participant struct {
	Provider                   common.Address
	Transcript                 []byte
	Aggregated                 bool
	DecryptionRequestStaticKey []byte
}

// Ritual is the locally cached view of an on-chain ritual record. It is
// refetched from the contract whenever a decision depends on it; the contract
// stays authoritative.
type Ritual struct {
	ID                   uint32
	Initiator            common.Address
	Authority            common.Address
	Participants         []Participant
	Threshold            uint16
	Shares               uint16
	InitTimestamp        uint32
	TotalTranscripts     uint16
	TotalAggregations    uint16
	PublicKey            []byte
	AggregatedTranscript []byte
	Status               Status
}

// FindParticipant returns the participant record for the given provider
// address, if the address is part of the cohort.
func (r *Ritual) FindParticipant(provider common.Address) (*Participant, bool) {
	for i := range r.Participants {
		if bytes.Equal(r.Participants[i].Provider.Bytes(), provider.Bytes()) {
			return &r.Participants[i], true
		}
	}
	return nil, false
}

// MissingTranscripts counts cohort members that have not yet posted a round 1
// transcript.
func (r *Ritual) MissingTranscripts() int {
	missing := 0
	for i := range r.Participants {
		if len(r.Participants[i].Transcript) == 0 {
			missing++
		}
	}
	return missing
}
