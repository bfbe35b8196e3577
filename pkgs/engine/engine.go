package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Validator is the crypto-engine-facing identity of a ritual participant. It
// is reconstructed per protocol step and never persisted on its own.
type Validator struct {
	Address   common.Address
	PublicKey []byte
}

// ValidatorTranscript pairs a validator with the round 1 transcript it posted
// on-chain. Transcript is nil until the validator has posted.
type ValidatorTranscript struct {
	Validator  Validator
	Transcript []byte
}

// Variant selects the flavour of decryption share to derive.
type Variant string

const (
	VariantSimple      Variant = "simple"
	VariantPrecomputed Variant = "precomputed"
)

// Engine performs the cryptographic operations of a DKG ritual. The validator
// list passed to every operation must be sorted ascending by address; all
// cohort members must agree on the ordering for the ceremony to be
// consistent. The engine is constructed with the local node's identity and
// ritual key material, so operations do not take the local address
// explicitly.
type Engine interface {
	// GenerateTranscript produces this node's round 1 contribution.
	GenerateTranscript(ctx context.Context, validators []Validator, threshold, shares uint16, ritualID uint32) ([]byte, error)

	// AggregateTranscripts folds every validator's round 1 transcript into an
	// aggregated transcript and derives the shared public key.
	AggregateTranscripts(ctx context.Context, dealings []ValidatorTranscript, threshold, shares uint16, ritualID uint32) (aggregate []byte, publicKey []byte, err error)

	// DeriveDecryptionShare produces this node's partial decryption of a
	// ciphertext under a finalized ritual's key.
	DeriveDecryptionShare(ctx context.Context, dealings []ValidatorTranscript, threshold, shares uint16, ritualID uint32, aggregate, ciphertextHeader, conditions []byte, variant Variant) ([]byte, error)
}
