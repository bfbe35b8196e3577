package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/encrypt/ecies"
	"github.com/drand/kyber/pairing"
	kyber_share "github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// transcript is this engine's round 1 wire format: Feldman commitments to the
// dealer's secret polynomial plus one ECIES-encrypted share per cohort member,
// in cohort (address-sorted) order.
type transcript struct {
	Dealer      common.Address `json:"dealer"`
	RitualID    uint32         `json:"ritual_id"`
	Commitments [][]byte       `json:"commitments"`
	Shares      [][]byte       `json:"shares"`
}

// aggregateTranscript carries the coefficient-wise sum of all dealers'
// commitments together with the original dealings, so any cohort member can
// later recompute its aggregated private share.
type aggregateTranscript struct {
	RitualID    uint32            `json:"ritual_id"`
	Commitments [][]byte          `json:"commitments"`
	Dealings    []json.RawMessage `json:"dealings"`
}

// DecryptionShare is the envelope returned by DeriveDecryptionShare.
type DecryptionShare struct {
	Index            int     `json:"index"`
	Share            []byte  `json:"share"`
	Variant          Variant `json:"variant"`
	ConditionsDigest []byte  `json:"conditions_digest"`
}

// KyberEngine is a reference Engine over the BLS12-381 pairing suite. Shares
// are dealt with a Pedersen-style secret polynomial per dealer; the group key
// is the sum of all dealers' free coefficients. Decryption shares live in G2.
type KyberEngine struct {
	logger *zap.Logger
	me     common.Address
	suite  pairing.Suite
	secret kyber.Scalar
	public kyber.Point
}

// NewKyberEngine creates an engine with a freshly picked ritual secret, the
// same way an operator picks its ephemeral DKG scalar.
func NewKyberEngine(logger *zap.Logger, me common.Address) *KyberEngine {
	suite := bls.NewBLS12381Suite()
	secret := suite.G1().Scalar().Pick(random.New())
	return &KyberEngine{
		logger: logger,
		me:     me,
		suite:  suite,
		secret: secret,
		public: suite.G1().Point().Mul(secret, nil),
	}
}

// NewKyberEngineFromSecret restores an engine from a previously exported
// secret scalar, so a restarted node keeps its cohort identity.
func NewKyberEngineFromSecret(logger *zap.Logger, me common.Address, secret []byte) (*KyberEngine, error) {
	suite := bls.NewBLS12381Suite()
	s := suite.G1().Scalar()
	if err := s.UnmarshalBinary(secret); err != nil {
		return nil, errors.Wrap(err, "unmarshal engine secret")
	}
	return &KyberEngine{
		logger: logger,
		me:     me,
		suite:  suite,
		secret: s,
		public: suite.G1().Point().Mul(s, nil),
	}, nil
}

// PublicKey returns the marshalled public point other cohort members use to
// encrypt shares for this node.
func (e *KyberEngine) PublicKey() []byte {
	b, err := e.public.MarshalBinary()
	if err != nil {
		// G1 points always marshal
		panic(err)
	}
	return b
}

// ExportSecret returns the marshalled ritual secret scalar.
func (e *KyberEngine) ExportSecret() []byte {
	b, err := e.secret.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (e *KyberEngine) index(validators []Validator) (int, error) {
	for i, v := range validators {
		if bytes.Equal(v.Address.Bytes(), e.me.Bytes()) {
			return i, nil
		}
	}
	return 0, errors.Errorf("local address %s not in validator set", e.me.Hex())
}

func (e *KyberEngine) GenerateTranscript(_ context.Context, validators []Validator, threshold, shares uint16, ritualID uint32) ([]byte, error) {
	if len(validators) != int(shares) {
		return nil, errors.Errorf("validator count %d does not match shares %d", len(validators), shares)
	}
	if threshold > shares {
		return nil, errors.Errorf("threshold %d exceeds shares %d", threshold, shares)
	}
	if _, err := e.index(validators); err != nil {
		return nil, err
	}
	g1 := e.suite.G1()

	priPoly := kyber_share.NewPriPoly(g1, int(threshold), nil, random.New())
	pubPoly := priPoly.Commit(g1.Point().Base())
	_, commits := pubPoly.Info()

	t := transcript{
		Dealer:      e.me,
		RitualID:    ritualID,
		Commitments: make([][]byte, 0, len(commits)),
		Shares:      make([][]byte, 0, len(validators)),
	}
	for _, c := range commits {
		cb, err := c.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal commitment")
		}
		t.Commitments = append(t.Commitments, cb)
	}

	priShares := priPoly.Shares(len(validators))
	for i, v := range validators {
		pk := g1.Point()
		if err := pk.UnmarshalBinary(v.PublicKey); err != nil {
			return nil, errors.Wrapf(err, "bad public key for validator %s", v.Address.Hex())
		}
		sb, err := priShares[i].V.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal share scalar")
		}
		ct, err := ecies.Encrypt(g1, pk, sb, sha256.New)
		if err != nil {
			return nil, errors.Wrapf(err, "encrypt share for validator %s", v.Address.Hex())
		}
		t.Shares = append(t.Shares, ct)
	}
	return json.Marshal(&t)
}

func (e *KyberEngine) AggregateTranscripts(_ context.Context, dealings []ValidatorTranscript, threshold, shares uint16, ritualID uint32) ([]byte, []byte, error) {
	validators := make([]Validator, len(dealings))
	for i, d := range dealings {
		if len(d.Transcript) == 0 {
			return nil, nil, errors.Errorf("validator %s has no transcript", d.Validator.Address.Hex())
		}
		validators[i] = d.Validator
	}
	if _, err := e.index(validators); err != nil {
		return nil, nil, err
	}

	summed, raw, err := e.sumCommitments(dealings, threshold)
	if err != nil {
		return nil, nil, err
	}

	agg := aggregateTranscript{
		RitualID:    ritualID,
		Commitments: make([][]byte, 0, len(summed)),
		Dealings:    raw,
	}
	for _, c := range summed {
		cb, err := c.MarshalBinary()
		if err != nil {
			return nil, nil, errors.Wrap(err, "marshal aggregated commitment")
		}
		agg.Commitments = append(agg.Commitments, cb)
	}

	// the group public key is the sum of the dealers' free coefficients
	publicKey, err := summed[0].MarshalBinary()
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal group public key")
	}
	aggBytes, err := json.Marshal(&agg)
	if err != nil {
		return nil, nil, err
	}
	return aggBytes, publicKey, nil
}

func (e *KyberEngine) DeriveDecryptionShare(_ context.Context, dealings []ValidatorTranscript, threshold, shares uint16, ritualID uint32, aggregate, ciphertextHeader, conditions []byte, variant Variant) ([]byte, error) {
	if variant != VariantSimple && variant != VariantPrecomputed {
		return nil, errors.Errorf("unknown decryption share variant %q", variant)
	}
	validators := make([]Validator, len(dealings))
	for i, d := range dealings {
		if len(d.Transcript) == 0 {
			return nil, errors.Errorf("validator %s has no transcript", d.Validator.Address.Hex())
		}
		validators[i] = d.Validator
	}
	myIndex, err := e.index(validators)
	if err != nil {
		return nil, err
	}

	var agg aggregateTranscript
	if err := json.Unmarshal(aggregate, &agg); err != nil {
		return nil, errors.Wrap(err, "decode aggregated transcript")
	}
	if agg.RitualID != ritualID {
		return nil, errors.Errorf("aggregated transcript is for ritual %d, want %d", agg.RitualID, ritualID)
	}

	myShare, err := e.recoverPrivateShare(dealings, myIndex)
	if err != nil {
		return nil, err
	}

	g2 := e.suite.G2()
	u := g2.Point()
	if err := u.UnmarshalBinary(ciphertextHeader); err != nil {
		return nil, errors.Wrap(err, "decode ciphertext header")
	}

	scalar := myShare
	if variant == VariantPrecomputed {
		// fold in this node's Lagrange coefficient so the combiner can sum
		// shares directly
		lambda := lagrangeCoefficient(e.suite, myIndex, len(validators))
		scalar = e.suite.G1().Scalar().Mul(myShare, lambda)
	}
	v := g2.Point().Mul(scalar, u)
	vb, err := v.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal decryption share")
	}

	digest := sha256.Sum256(conditions)
	out := DecryptionShare{
		Index:            myIndex,
		Share:            vb,
		Variant:          variant,
		ConditionsDigest: digest[:],
	}
	return json.Marshal(&out)
}

// sumCommitments decodes every dealing and adds the commitment polynomials
// coefficient-wise.
func (e *KyberEngine) sumCommitments(dealings []ValidatorTranscript, threshold uint16) ([]kyber.Point, []json.RawMessage, error) {
	g1 := e.suite.G1()
	summed := make([]kyber.Point, threshold)
	for i := range summed {
		summed[i] = g1.Point().Null()
	}
	raw := make([]json.RawMessage, 0, len(dealings))
	for _, d := range dealings {
		var t transcript
		if err := json.Unmarshal(d.Transcript, &t); err != nil {
			return nil, nil, errors.Wrapf(err, "decode transcript from %s", d.Validator.Address.Hex())
		}
		if len(t.Commitments) != int(threshold) {
			return nil, nil, errors.Errorf("transcript from %s has %d commitments, want %d", d.Validator.Address.Hex(), len(t.Commitments), threshold)
		}
		for i, cb := range t.Commitments {
			c := g1.Point()
			if err := c.UnmarshalBinary(cb); err != nil {
				return nil, nil, errors.Wrapf(err, "decode commitment from %s", d.Validator.Address.Hex())
			}
			summed[i] = g1.Point().Add(summed[i], c)
		}
		raw = append(raw, json.RawMessage(d.Transcript))
	}
	return summed, raw, nil
}

// recoverPrivateShare decrypts this node's share from every dealing and sums
// them into the aggregated private share.
func (e *KyberEngine) recoverPrivateShare(dealings []ValidatorTranscript, myIndex int) (kyber.Scalar, error) {
	g1 := e.suite.G1()
	sum := g1.Scalar().Zero()
	for _, d := range dealings {
		var t transcript
		if err := json.Unmarshal(d.Transcript, &t); err != nil {
			return nil, errors.Wrapf(err, "decode transcript from %s", d.Validator.Address.Hex())
		}
		if myIndex >= len(t.Shares) {
			return nil, errors.Errorf("transcript from %s has no share at index %d", d.Validator.Address.Hex(), myIndex)
		}
		sb, err := ecies.Decrypt(g1, e.secret, t.Shares[myIndex], sha256.New)
		if err != nil {
			return nil, errors.Wrapf(err, "decrypt share from %s", d.Validator.Address.Hex())
		}
		s := g1.Scalar()
		if err := s.UnmarshalBinary(sb); err != nil {
			return nil, errors.Wrapf(err, "decode share scalar from %s", d.Validator.Address.Hex())
		}
		sum = g1.Scalar().Add(sum, s)
	}
	return sum, nil
}

// lagrangeCoefficient evaluates this node's Lagrange basis polynomial at zero
// over the full cohort index set. Share x-coordinates are index+1, matching
// kyber's polynomial evaluation.
func lagrangeCoefficient(suite pairing.Suite, index, n int) kyber.Scalar {
	g := suite.G1()
	acc := g.Scalar().One()
	xi := g.Scalar().SetInt64(int64(index + 1))
	for j := 0; j < n; j++ {
		if j == index {
			continue
		}
		xj := g.Scalar().SetInt64(int64(j + 1))
		den := g.Scalar().Sub(xj, xi)
		den = g.Scalar().Inv(den)
		acc = g.Scalar().Mul(acc, g.Scalar().Mul(xj, den))
	}
	return acc
}
