package ritualist

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/chain"
	"github.com/coven-labs/ritual-engine/pkgs/engine"
	"github.com/coven-labs/ritual-engine/pkgs/resolver"
	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

// Skip classifies the benign reasons a protocol step was not executed. Skips
// are ordinary outcomes, not errors: the tracker logs them at debug level and
// retries nothing.
type Skip int

const (
	SkipNone Skip = iota
	SkipNotParticipant
	SkipAlreadyPosted
	SkipWrongPhase
)

func (s Skip) String() string {
	switch s {
	case SkipNone:
		return "none"
	case SkipNotParticipant:
		return "not a participant"
	case SkipAlreadyPosted:
		return "already posted"
	case SkipWrongPhase:
		return "wrong phase"
	default:
		return "unknown"
	}
}

// Result is the outcome of a round entry point. Executed and Skip are
// mutually exclusive.
type Result struct {
	Executed bool
	Skip     Skip
	Receipt  *types.Receipt
}

func skipped(s Skip) Result {
	return Result{Skip: s}
}

// ErrMissingTranscripts marks a round 2 attempt made before every cohort
// member posted round 1. It is a wait-state, not a failure: peers may still
// be submitting, and the next tracker tick retries naturally.
var ErrMissingTranscripts = errors.New("missing transcripts")

// ErrNotFinalized marks a decryption share request against a ritual that has
// not finished its DKG. Callers should treat it as retryable.
var ErrNotFinalized = errors.New("ritual not finalized")

// Ritualist executes the local node's protocol steps for a ritual: round 1
// transcript generation, round 2 aggregation, and decryption share
// derivation. All collaborators are injected at construction.
type Ritualist struct {
	logger        *zap.Logger
	me            common.Address
	client        chain.Client
	engine        engine.Engine
	resolver      *resolver.Resolver
	store         *rituals.Store
	transactor    *bind.TransactOpts
	selfPublicKey []byte

	mtx   sync.Mutex
	locks map[uint32]*sync.Mutex
}

// Opts carries the collaborators a Ritualist is constructed with.
type Opts struct {
	Logger        *zap.Logger
	Address       common.Address
	Client        chain.Client
	Engine        engine.Engine
	Resolver      *resolver.Resolver
	Store         *rituals.Store
	Transactor    *bind.TransactOpts
	SelfPublicKey []byte
}

func New(opts Opts) *Ritualist {
	return &Ritualist{
		logger:        opts.Logger,
		me:            opts.Address,
		client:        opts.Client,
		engine:        opts.Engine,
		resolver:      opts.Resolver,
		store:         opts.Store,
		transactor:    opts.Transactor,
		selfPublicKey: opts.SelfPublicKey,
		locks:         make(map[uint32]*sync.Mutex),
	}
}

// lock serializes state machine execution per ritual id. Correctness does not
// depend on it (the idempotency pre-checks and the contract do), but it
// avoids paying for redundant crypto-engine invocations when scan ticks
// overlap.
func (r *Ritualist) lock(ritualID uint32) func() {
	r.mtx.Lock()
	l, ok := r.locks[ritualID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[ritualID] = l
	}
	r.mtx.Unlock()
	l.Lock()
	return l.Unlock
}

// PerformRound1 generates and posts this node's transcript for a ritual in
// the awaiting-transcripts phase. The local transcript is cached before the
// transaction is sent, so a crash mid-submission is safely retried with the
// same transcript.
func (r *Ritualist) PerformRound1(ctx context.Context, ritual *rituals.Ritual, timestamp uint64) (Result, error) {
	defer r.lock(ritual.ID)()
	log := r.logger.With(zap.Uint32("ritual", ritual.ID), zap.Uint64("timestamp", timestamp))

	if _, ok := ritual.FindParticipant(r.me); !ok {
		return skipped(SkipNotParticipant), nil
	}

	// re-check the authoritative phase: another submitter or a timeout may
	// have moved the ritual since the scan observed it
	status, err := r.client.RitualStatus(ctx, ritual.ID)
	if err != nil {
		return Result{}, err
	}
	if status != rituals.AwaitingTranscripts {
		return skipped(SkipWrongPhase), nil
	}

	// idempotency guard, read from chain rather than any local cache
	me, err := r.client.Participant(ctx, ritual.ID, r.me)
	if err != nil {
		return Result{}, err
	}
	if len(me.Transcript) > 0 {
		return skipped(SkipAlreadyPosted), nil
	}

	resolved, err := r.resolver.Resolve(ctx, ritual)
	if err != nil {
		return Result{}, errors.Wrapf(err, "resolve validators for ritual %d", ritual.ID)
	}
	threshold := rituals.Threshold(ritual.Shares)

	transcript := r.cachedTranscript(ritual.ID)
	if transcript == nil {
		transcript, err = r.engine.GenerateTranscript(ctx, resolver.Validators(resolved), threshold, ritual.Shares, ritual.ID)
		if err != nil {
			log.Error("transcript generation failed", zap.Error(err))
			return Result{}, errors.Wrapf(err, "generate transcript for ritual %d", ritual.ID)
		}
		r.store.SetTranscript(ritual.ID, transcript)
	}

	receipt, err := r.client.PostTranscript(ctx, ritual.ID, transcript, r.transactor)
	if err != nil {
		return Result{}, errors.Wrapf(err, "post transcript for ritual %d", ritual.ID)
	}
	r.store.SetTranscriptReceipt(ritual.ID, receipt)
	log.Info("posted transcript", zap.Uint16("threshold", threshold), zap.Uint16("shares", ritual.Shares))
	return Result{Executed: true, Receipt: receipt}, nil
}

// PerformRound2 aggregates all posted transcripts and posts the aggregate for
// a ritual in the awaiting-aggregations phase.
func (r *Ritualist) PerformRound2(ctx context.Context, ritual *rituals.Ritual, timestamp uint64) (Result, error) {
	defer r.lock(ritual.ID)()
	log := r.logger.With(zap.Uint32("ritual", ritual.ID), zap.Uint64("timestamp", timestamp))

	if _, ok := ritual.FindParticipant(r.me); !ok {
		return skipped(SkipNotParticipant), nil
	}

	status, err := r.client.RitualStatus(ctx, ritual.ID)
	if err != nil {
		return Result{}, err
	}
	if status != rituals.AwaitingAggregations {
		return skipped(SkipWrongPhase), nil
	}

	me, err := r.client.Participant(ctx, ritual.ID, r.me)
	if err != nil {
		return Result{}, err
	}
	if me.Aggregated {
		return skipped(SkipAlreadyPosted), nil
	}

	if missing := ritual.MissingTranscripts(); missing > 0 {
		return Result{}, errors.Wrapf(ErrMissingTranscripts, "missing transcripts from %d nodes for ritual %d", missing, ritual.ID)
	}

	resolved, err := r.resolver.Resolve(ctx, ritual)
	if err != nil {
		return Result{}, errors.Wrapf(err, "resolve validators for ritual %d", ritual.ID)
	}
	r.preferLocalTranscript(ritual.ID, resolved)

	threshold := rituals.Threshold(ritual.Shares)
	aggregate, publicKey, err := r.engine.AggregateTranscripts(ctx, resolved, threshold, ritual.Shares, ritual.ID)
	if err != nil {
		log.Error("transcript aggregation failed", zap.Error(err))
		return Result{}, errors.Wrapf(err, "aggregate transcripts for ritual %d", ritual.ID)
	}
	r.store.SetAggregate(ritual.ID, aggregate, publicKey)

	receipt, err := r.client.PostAggregation(ctx, ritual.ID, aggregate, publicKey, r.selfPublicKey, r.transactor)
	if err != nil {
		return Result{}, errors.Wrapf(err, "post aggregation for ritual %d", ritual.ID)
	}
	r.store.SetAggregationReceipt(ritual.ID, receipt)
	log.Info("posted aggregation")
	return Result{Executed: true, Receipt: receipt}, nil
}

// DeriveDecryptionShare produces this node's partial decryption for a
// ciphertext under a finalized ritual. Missing artifacts at this stage are
// data-integrity bugs and surface as hard errors.
func (r *Ritualist) DeriveDecryptionShare(ctx context.Context, ritualID uint32, ciphertextHeader, conditions []byte, variant engine.Variant) ([]byte, error) {
	ritual, err := r.client.Ritual(ctx, ritualID, true)
	if err != nil {
		return nil, err
	}
	if ritual.Status != rituals.Finalized {
		return nil, errors.Wrapf(ErrNotFinalized, "ritual %d is %s", ritualID, ritual.Status)
	}
	// finalized rituals are structurally complete; check anyway and complain
	// loudly instead of retrying
	if missing := ritual.MissingTranscripts(); missing > 0 {
		return nil, errors.Errorf("finalized ritual %d is missing %d transcripts", ritualID, missing)
	}
	if len(ritual.AggregatedTranscript) == 0 {
		return nil, errors.Errorf("finalized ritual %d has no aggregated transcript", ritualID)
	}

	resolved, err := r.resolver.Resolve(ctx, ritual)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve validators for ritual %d", ritualID)
	}
	r.preferLocalTranscript(ritualID, resolved)

	threshold := rituals.Threshold(ritual.Shares)
	share, err := r.engine.DeriveDecryptionShare(ctx, resolved, threshold, ritual.Shares, ritualID, ritual.AggregatedTranscript, ciphertextHeader, conditions, variant)
	if err != nil {
		return nil, errors.Wrapf(err, "derive decryption share for ritual %d", ritualID)
	}
	return share, nil
}

func (r *Ritualist) cachedTranscript(ritualID uint32) []byte {
	rec, ok := r.store.Get(ritualID)
	if !ok || len(rec.Transcript) == 0 {
		return nil
	}
	return rec.Transcript
}

// preferLocalTranscript swaps the on-chain copy of our own transcript for the
// locally authored bytes when we have them.
func (r *Ritualist) preferLocalTranscript(ritualID uint32, resolved []engine.ValidatorTranscript) {
	local := r.cachedTranscript(ritualID)
	if local == nil {
		return
	}
	for i := range resolved {
		if resolved[i].Validator.Address == r.me {
			resolved[i].Transcript = local
			return
		}
	}
}
