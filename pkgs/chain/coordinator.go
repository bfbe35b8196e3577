package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

// coordinatorABI is the slice of the Coordinator contract surface the ritual
// engine consumes. Participant getters return flattened parallel arrays to
// keep decoding independent of tuple layout changes.
const coordinatorABI = `[
	{"type":"function","name":"rituals","stateMutability":"view","inputs":[{"name":"ritualId","type":"uint32"}],"outputs":[{"name":"initiator","type":"address"},{"name":"authority","type":"address"},{"name":"dkgSize","type":"uint16"},{"name":"threshold","type":"uint16"},{"name":"initTimestamp","type":"uint32"},{"name":"totalTranscripts","type":"uint16"},{"name":"totalAggregations","type":"uint16"},{"name":"publicKey","type":"bytes"},{"name":"aggregatedTranscript","type":"bytes"}]},
	{"type":"function","name":"getRitualState","stateMutability":"view","inputs":[{"name":"ritualId","type":"uint32"}],"outputs":[{"name":"state","type":"uint8"}]},
	{"type":"function","name":"getParticipants","stateMutability":"view","inputs":[{"name":"ritualId","type":"uint32"}],"outputs":[{"name":"providers","type":"address[]"},{"name":"aggregated","type":"bool[]"},{"name":"transcripts","type":"bytes[]"},{"name":"decryptionRequestStaticKeys","type":"bytes[]"}]},
	{"type":"function","name":"getParticipant","stateMutability":"view","inputs":[{"name":"ritualId","type":"uint32"},{"name":"provider","type":"address"}],"outputs":[{"name":"provider","type":"address"},{"name":"aggregated","type":"bool"},{"name":"transcript","type":"bytes"},{"name":"decryptionRequestStaticKey","type":"bytes"}]},
	{"type":"function","name":"timeout","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint32"}]},
	{"type":"function","name":"numberOfRituals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint32"}]},
	{"type":"function","name":"postTranscript","stateMutability":"nonpayable","inputs":[{"name":"ritualId","type":"uint32"},{"name":"transcript","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"postAggregation","stateMutability":"nonpayable","inputs":[{"name":"ritualId","type":"uint32"},{"name":"aggregatedTranscript","type":"bytes"},{"name":"publicKey","type":"bytes"},{"name":"participantPublicKey","type":"bytes"}],"outputs":[]},
	{"type":"event","name":"StartRitual","inputs":[{"name":"ritualId","type":"uint32","indexed":true},{"name":"authority","type":"address","indexed":true},{"name":"participants","type":"address[]","indexed":false}]},
	{"type":"event","name":"TranscriptPosted","inputs":[{"name":"ritualId","type":"uint32","indexed":true},{"name":"node","type":"address","indexed":true},{"name":"transcriptDigest","type":"bytes32","indexed":false}]},
	{"type":"event","name":"AggregationPosted","inputs":[{"name":"ritualId","type":"uint32","indexed":true},{"name":"node","type":"address","indexed":true},{"name":"aggregatedTranscriptDigest","type":"bytes32","indexed":false}]},
	{"type":"event","name":"EndRitual","inputs":[{"name":"ritualId","type":"uint32","indexed":true},{"name":"successful","type":"bool","indexed":false}]}
]`

// Backend is the go-ethereum client surface the coordinator client needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// CoordinatorClient implements Client against a deployed Coordinator
// contract.
type CoordinatorClient struct {
	logger    *zap.Logger
	backend   Backend
	address   common.Address
	abi       abi.ABI
	contract  *bind.BoundContract
	waitMined bool
}

// NewCoordinatorClient binds the Coordinator contract at the given address.
// With waitMined set, transaction submission blocks until the receipt is
// available; otherwise submission is fire-and-forget and returns a nil
// receipt.
func NewCoordinatorClient(logger *zap.Logger, backend Backend, address common.Address, waitMined bool) (*CoordinatorClient, error) {
	parsed, err := abi.JSON(strings.NewReader(coordinatorABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse coordinator ABI")
	}
	return &CoordinatorClient{
		logger:    logger,
		backend:   backend,
		address:   address,
		abi:       parsed,
		contract:  bind.NewBoundContract(address, parsed, backend, backend, backend),
		waitMined: waitMined,
	}, nil
}

func (c *CoordinatorClient) Block(ctx context.Context, number *big.Int) (*Block, error) {
	header, err := c.backend.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, errors.Wrap(err, "fetch block header")
	}
	return &Block{
		Number: header.Number.Uint64(),
		Time:   header.Time,
	}, nil
}

func (c *CoordinatorClient) Ritual(ctx context.Context, ritualID uint32, withParticipants bool) (*rituals.Ritual, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "rituals", ritualID); err != nil {
		return nil, errors.Wrapf(err, "fetch ritual %d", ritualID)
	}
	ritual := &rituals.Ritual{
		ID:                   ritualID,
		Initiator:            out[0].(common.Address),
		Authority:            out[1].(common.Address),
		Shares:               out[2].(uint16),
		Threshold:            out[3].(uint16),
		InitTimestamp:        out[4].(uint32),
		TotalTranscripts:     out[5].(uint16),
		TotalAggregations:    out[6].(uint16),
		PublicKey:            out[7].([]byte),
		AggregatedTranscript: out[8].([]byte),
	}

	status, err := c.RitualStatus(ctx, ritualID)
	if err != nil {
		return nil, err
	}
	ritual.Status = status

	if withParticipants {
		participants, err := c.participants(ctx, ritualID)
		if err != nil {
			return nil, err
		}
		ritual.Participants = participants
	}
	return ritual, nil
}

func (c *CoordinatorClient) participants(ctx context.Context, ritualID uint32) ([]rituals.Participant, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "getParticipants", ritualID); err != nil {
		return nil, errors.Wrapf(err, "fetch participants of ritual %d", ritualID)
	}
	providers := out[0].([]common.Address)
	aggregated := out[1].([]bool)
	transcripts := out[2].([][]byte)
	keys := out[3].([][]byte)
	if len(aggregated) != len(providers) || len(transcripts) != len(providers) || len(keys) != len(providers) {
		return nil, errors.Errorf("ragged participant arrays for ritual %d", ritualID)
	}
	participants := make([]rituals.Participant, len(providers))
	for i := range providers {
		participants[i] = rituals.Participant{
			Provider:                   providers[i],
			Aggregated:                 aggregated[i],
			Transcript:                 transcripts[i],
			DecryptionRequestStaticKey: keys[i],
		}
	}
	return participants, nil
}

func (c *CoordinatorClient) RitualStatus(ctx context.Context, ritualID uint32) (rituals.Status, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "getRitualState", ritualID); err != nil {
		return rituals.NonInitiated, errors.Wrapf(err, "fetch state of ritual %d", ritualID)
	}
	return rituals.Status(out[0].(uint8)), nil
}

func (c *CoordinatorClient) Participant(ctx context.Context, ritualID uint32, provider common.Address) (*rituals.Participant, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "getParticipant", ritualID, provider); err != nil {
		return nil, errors.Wrapf(err, "fetch participant %s of ritual %d", provider.Hex(), ritualID)
	}
	return &rituals.Participant{
		Provider:                   out[0].(common.Address),
		Aggregated:                 out[1].(bool),
		Transcript:                 out[2].([]byte),
		DecryptionRequestStaticKey: out[3].([]byte),
	}, nil
}

func (c *CoordinatorClient) Timeout(ctx context.Context) (time.Duration, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "timeout"); err != nil {
		return 0, errors.Wrap(err, "fetch ritual timeout")
	}
	return time.Duration(out[0].(uint32)) * time.Second, nil
}

func (c *CoordinatorClient) NumberOfRituals(ctx context.Context) (uint32, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "numberOfRituals"); err != nil {
		return 0, errors.Wrap(err, "fetch ritual count")
	}
	return out[0].(uint32), nil
}

func (c *CoordinatorClient) RitualEvents(ctx context.Context, from, to uint64) ([]Event, error) {
	kinds := map[common.Hash]EventKind{
		c.abi.Events["StartRitual"].ID:       EventStartRitual,
		c.abi.Events["TranscriptPosted"].ID:  EventTranscriptPosted,
		c.abi.Events["AggregationPosted"].ID: EventAggregationPosted,
		c.abi.Events["EndRitual"].ID:         EventEndRitual,
	}
	topics := make([]common.Hash, 0, len(kinds))
	for id := range kinds {
		topics = append(topics, id)
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "filter ritual events in [%d, %d]", from, to)
	}

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) < 2 {
			continue
		}
		kind, ok := kinds[l.Topics[0]]
		if !ok {
			continue
		}
		ev := Event{
			Kind:     kind,
			RitualID: uint32(new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64()),
			Block:    l.BlockNumber,
		}
		if (kind == EventTranscriptPosted || kind == EventAggregationPosted) && len(l.Topics) >= 3 {
			ev.Node = common.BytesToAddress(l.Topics[2].Bytes())
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *CoordinatorClient) PostTranscript(ctx context.Context, ritualID uint32, transcript []byte, txOpts *bind.TransactOpts) (*types.Receipt, error) {
	tx, err := c.contract.Transact(c.withContext(ctx, txOpts), "postTranscript", ritualID, transcript)
	if err != nil {
		return nil, errors.Wrapf(err, "post transcript for ritual %d", ritualID)
	}
	return c.finish(ctx, ritualID, tx)
}

func (c *CoordinatorClient) PostAggregation(ctx context.Context, ritualID uint32, aggregate, publicKey, participantPublicKey []byte, txOpts *bind.TransactOpts) (*types.Receipt, error) {
	tx, err := c.contract.Transact(c.withContext(ctx, txOpts), "postAggregation", ritualID, aggregate, publicKey, participantPublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "post aggregation for ritual %d", ritualID)
	}
	return c.finish(ctx, ritualID, tx)
}

func (c *CoordinatorClient) withContext(ctx context.Context, txOpts *bind.TransactOpts) *bind.TransactOpts {
	opts := *txOpts
	opts.Context = ctx
	return &opts
}

func (c *CoordinatorClient) finish(ctx context.Context, ritualID uint32, tx *types.Transaction) (*types.Receipt, error) {
	log := c.logger.With(zap.Uint32("ritual", ritualID), zap.String("tx", tx.Hash().Hex()))
	if !c.waitMined {
		log.Info("submitted transaction")
		return nil, nil
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, errors.Wrapf(err, "wait for transaction %s", tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, errors.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	log.Info("transaction mined", zap.Uint64("block", receipt.BlockNumber.Uint64()))
	return receipt, nil
}
