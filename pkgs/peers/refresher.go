package peers

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/imroc/req/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/pkgs/utils"
)

// NodeInfo is the document a node serves at /node-info. Keys are hex-encoded.
type NodeInfo struct {
	Address  string            `json:"address"`
	Endpoint string            `json:"endpoint"`
	Version  string            `json:"version"`
	Keys     map[string]string `json:"keys"`
}

// Refresher discovers peers by fetching /node-info from known endpoints and
// feeding the results into a Book. Nodes running an incompatible version are
// skipped rather than failed on, so one stale peer cannot poison discovery.
type Refresher struct {
	logger     *zap.Logger
	client     *req.Client
	book       *Book
	minVersion *version.Version
}

func NewRefresher(logger *zap.Logger, book *Book, minVersion string) (*Refresher, error) {
	min, err := version.NewVersion(minVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "bad minimum peer version %q", minVersion)
	}
	client := req.C()
	client.SetTimeout(10 * time.Second)
	return &Refresher{
		logger:     logger,
		client:     client,
		book:       book,
		minVersion: min,
	}, nil
}

// Refresh fetches node info from every endpoint. Individual endpoint failures
// are logged and skipped; the refresher is a recurring task and will retry on
// its next pass.
func (r *Refresher) Refresh(ctx context.Context, endpoints []string) {
	for _, endpoint := range endpoints {
		if err := r.refreshOne(ctx, endpoint); err != nil {
			r.logger.Debug("peer refresh failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}

func (r *Refresher) refreshOne(ctx context.Context, endpoint string) error {
	var info NodeInfo
	resp, err := r.client.R().
		SetContext(ctx).
		SetSuccessResult(&info).
		Get(strings.TrimRight(endpoint, "/") + "/node-info")
	if err != nil {
		return err
	}
	if !resp.IsSuccessState() {
		return errors.Errorf("unexpected status %s", resp.Status)
	}

	peerVersion, err := version.NewVersion(info.Version)
	if err != nil {
		return errors.Wrapf(err, "bad peer version %q", info.Version)
	}
	if peerVersion.LessThan(r.minVersion) {
		return errors.Errorf("peer version %s below minimum %s", peerVersion, r.minVersion)
	}

	addr, err := utils.ParseAddress(info.Address)
	if err != nil {
		return errors.Wrap(err, "bad peer address")
	}
	p := &Peer{
		Address:  addr,
		Endpoint: endpoint,
		Version:  info.Version,
		Keys:     make(map[Capability][]byte),
	}
	for name, hexKey := range info.Keys {
		key, err := decodeHex(hexKey)
		if err != nil {
			return errors.Wrapf(err, "bad peer key %q", name)
		}
		p.Keys[Capability(name)] = key
	}
	r.book.Add(p)
	r.logger.Debug("discovered peer",
		zap.String("address", addr.Hex()),
		zap.String("endpoint", endpoint),
		zap.String("version", info.Version))
	return nil
}

// Run refreshes on a fixed interval until the context is cancelled.
func (r *Refresher) Run(ctx context.Context, endpoints []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.Refresh(ctx, endpoints)
	for {
		select {
		case <-ticker.C:
			r.Refresh(ctx, endpoints)
		case <-ctx.Done():
			return
		}
	}
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
