package peers

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"

	"github.com/coven-labs/ritual-engine/pkgs/utils"
)

// Capability names a public key a peer exposes for a specific protocol role.
type Capability string

const (
	// CapabilityRitual is the key cohort members encrypt DKG shares to.
	CapabilityRitual Capability = "ritual"
	// CapabilityDecryptionRequest is the key for the secure decryption-request
	// channel.
	CapabilityDecryptionRequest Capability = "decryption-request"
)

// Peer is a known cohort member: its staking address, where to reach it, and
// the public keys it has published.
type Peer struct {
	Address  common.Address
	Endpoint string
	Version  string
	Keys     map[Capability][]byte
}

// PublicKey returns the peer's key for the given capability, or nil if the
// peer has not published one.
func (p *Peer) PublicKey(c Capability) []byte {
	if p == nil {
		return nil
	}
	return p.Keys[c]
}

// Directory resolves staking addresses to live peers. WaitForPeers blocks
// until every listed address is known or the timeout elapses; with
// allowMissing it returns nil even if some peers never showed up, leaving the
// caller to re-check with GetKnownPeer.
type Directory interface {
	GetKnownPeer(address common.Address) (*Peer, bool)
	WaitForPeers(ctx context.Context, addresses []common.Address, timeout time.Duration, allowMissing bool) error
}

// Book is the in-memory Directory implementation. Peers arrive through Add,
// either from the YAML peer book at startup or from the HTTP refresher.
type Book struct {
	mtx     sync.RWMutex
	peers   map[common.Address]*Peer
	arrived chan struct{}
}

func NewBook() *Book {
	return &Book{
		peers:   make(map[common.Address]*Peer),
		arrived: make(chan struct{}),
	}
}

// Add records a peer and wakes every WaitForPeers caller.
func (b *Book) Add(p *Peer) {
	b.mtx.Lock()
	b.peers[p.Address] = p
	close(b.arrived)
	b.arrived = make(chan struct{})
	b.mtx.Unlock()
}

func (b *Book) GetKnownPeer(address common.Address) (*Peer, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	p, ok := b.peers[address]
	return p, ok
}

func (b *Book) missing(addresses []common.Address) []common.Address {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	var missing []common.Address
	for _, a := range addresses {
		if _, ok := b.peers[a]; !ok {
			missing = append(missing, a)
		}
	}
	return missing
}

func (b *Book) WaitForPeers(ctx context.Context, addresses []common.Address, timeout time.Duration, allowMissing bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mtx.RLock()
		arrived := b.arrived
		b.mtx.RUnlock()

		missing := b.missing(addresses)
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-arrived:
		case <-deadline.C:
			if allowMissing {
				return nil
			}
			return errors.Errorf("timed out waiting for %d peers", len(missing))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// bookEntry is one record of the YAML peer book file.
type bookEntry struct {
	Address  string            `yaml:"address"`
	Endpoint string            `yaml:"endpoint"`
	Keys     map[string]string `yaml:"keys"`
}

// LoadBook reads a YAML peer book and seeds a Book with its entries. Key
// material in the file is hex-encoded.
func LoadBook(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read peer book")
	}
	var entries []bookEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "parse peer book")
	}
	book := NewBook()
	for _, e := range entries {
		addr, err := utils.ParseAddress(e.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "peer book entry %q", e.Address)
		}
		p := &Peer{
			Address:  addr,
			Endpoint: e.Endpoint,
			Keys:     make(map[Capability][]byte),
		}
		for name, hexKey := range e.Keys {
			key, err := decodeHex(hexKey)
			if err != nil {
				return nil, errors.Wrapf(err, "peer book key %q for %s", name, e.Address)
			}
			p.Keys[Capability(name)] = key
		}
		book.Add(p)
	}
	return book, nil
}
