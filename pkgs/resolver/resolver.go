package resolver

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/engine"
	"github.com/coven-labs/ritual-engine/pkgs/peers"
	"github.com/coven-labs/ritual-engine/pkgs/rituals"
)

// ErrUnknownNode marks a cohort member whose public key could not be resolved
// even after waiting for discovery. Partial cohorts are never valid: the DKG
// needs the full participant set.
var ErrUnknownNode = errors.New("unknown node")

// DefaultDiscoveryTimeout bounds how long resolution waits for peers that are
// not yet known locally. Zero means fail immediately on unknown peers.
const DefaultDiscoveryTimeout = 60 * time.Second

// Resolver maps a ritual's on-chain participant list to crypto-engine-facing
// validators, discovering unknown peers as needed. Output is always sorted
// ascending by address; every call site shares this ordering so all cohort
// members agree on validator indices.
type Resolver struct {
	logger           *zap.Logger
	directory        peers.Directory
	me               common.Address
	selfPublicKey    []byte
	discoveryTimeout time.Duration
}

func New(logger *zap.Logger, directory peers.Directory, me common.Address, selfPublicKey []byte, discoveryTimeout time.Duration) *Resolver {
	return &Resolver{
		logger:           logger,
		directory:        directory,
		me:               me,
		selfPublicKey:    selfPublicKey,
		discoveryTimeout: discoveryTimeout,
	}
}

// Resolve produces one ValidatorTranscript per ritual participant, paired
// with the participant's on-chain transcript bytes (nil until posted). The
// local node resolves from its own key material without discovery.
func (r *Resolver) Resolve(ctx context.Context, ritual *rituals.Ritual) ([]engine.ValidatorTranscript, error) {
	var unknown []common.Address
	for i := range ritual.Participants {
		p := &ritual.Participants[i]
		if p.Provider == r.me {
			continue
		}
		if _, ok := r.directory.GetKnownPeer(p.Provider); !ok {
			unknown = append(unknown, p.Provider)
		}
	}

	if len(unknown) > 0 && r.discoveryTimeout > 0 {
		r.logger.Debug("waiting for peer discovery",
			zap.Uint32("ritual", ritual.ID),
			zap.Int("unknown", len(unknown)))
		if err := r.directory.WaitForPeers(ctx, unknown, r.discoveryTimeout, true); err != nil {
			return nil, errors.Wrap(err, "peer discovery")
		}
	}

	resolved := make([]engine.ValidatorTranscript, 0, len(ritual.Participants))
	for i := range ritual.Participants {
		p := &ritual.Participants[i]
		var publicKey []byte
		if p.Provider == r.me {
			publicKey = r.selfPublicKey
		} else {
			peer, ok := r.directory.GetKnownPeer(p.Provider)
			if !ok {
				return nil, errors.Wrapf(ErrUnknownNode, "unknown node %s", p.Provider.Hex())
			}
			publicKey = peer.PublicKey(peers.CapabilityRitual)
			if len(publicKey) == 0 {
				return nil, errors.Wrapf(ErrUnknownNode, "node %s has no ritual key", p.Provider.Hex())
			}
		}
		var transcript []byte
		if len(p.Transcript) > 0 {
			transcript = p.Transcript
		}
		resolved = append(resolved, engine.ValidatorTranscript{
			Validator: engine.Validator{
				Address:   p.Provider,
				PublicKey: publicKey,
			},
			Transcript: transcript,
		})
	}

	sort.Slice(resolved, func(i, j int) bool {
		return bytes.Compare(
			resolved[i].Validator.Address.Bytes(),
			resolved[j].Validator.Address.Bytes(),
		) < 0
	})
	return resolved, nil
}

// Validators strips the transcript pairing from a resolved set.
func Validators(resolved []engine.ValidatorTranscript) []engine.Validator {
	out := make([]engine.Validator, len(resolved))
	for i, vt := range resolved {
		out[i] = vt.Validator
	}
	return out
}
