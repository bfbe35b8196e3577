package tracker

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/cli/flags"
	cli_utils "github.com/coven-labs/ritual-engine/cli/utils"
	"github.com/coven-labs/ritual-engine/pkgs/chain"
	"github.com/coven-labs/ritual-engine/pkgs/engine"
	"github.com/coven-labs/ritual-engine/pkgs/node"
	"github.com/coven-labs/ritual-engine/pkgs/peers"
	"github.com/coven-labs/ritual-engine/pkgs/resolver"
	"github.com/coven-labs/ritual-engine/pkgs/ritualist"
	"github.com/coven-labs/ritual-engine/pkgs/rituals"
	ritual_tracker "github.com/coven-labs/ritual-engine/pkgs/tracker"
	"github.com/coven-labs/ritual-engine/pkgs/utils"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

func init() {
	flags.SetTrackerFlags(StartTracker)
}

// StartTracker runs the ritual engine node: the chain tracker, the peer
// refresher, and the node HTTP server.
var StartTracker = &cobra.Command{
	Use:   "start-tracker",
	Short: "Starts the DKG ritual tracker node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := flags.BindTrackerFlags(cmd); err != nil {
			return err
		}
		logger, err := cli_utils.BuildLogger(flags.LogLevel, flags.LogFormat)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		key, err := eth_crypto.HexToECDSA(strings.TrimPrefix(flags.PrivateKey, "0x"))
		if err != nil {
			logger.Fatal("failed to parse transacting private key", zap.Error(err))
		}
		me := eth_crypto.PubkeyToAddress(key.PublicKey)
		logger = logger.With(zap.String("address", me.Hex()))

		backend, err := ethclient.DialContext(ctx, flags.RPCEndpoint)
		if err != nil {
			logger.Fatal("failed to dial RPC endpoint", zap.Error(err))
		}
		chainID, err := backend.ChainID(ctx)
		if err != nil {
			logger.Fatal("failed to fetch chain id", zap.Error(err))
		}
		transactor, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			logger.Fatal("failed to build transactor", zap.Error(err))
		}

		coordinatorAddr, err := utils.ParseAddress(flags.Coordinator)
		if err != nil {
			logger.Fatal("invalid coordinator address", zap.Error(err))
		}
		client, err := chain.NewCoordinatorClient(logger.Named("chain"), backend, coordinatorAddr, flags.WaitMined)
		if err != nil {
			logger.Fatal("failed to bind coordinator contract", zap.Error(err))
		}

		eng, err := loadOrCreateEngine(logger.Named("engine"), me)
		if err != nil {
			logger.Fatal("failed to set up ritual crypto engine", zap.Error(err))
		}

		book := peers.NewBook()
		if flags.PeerBookPath != "" {
			book, err = peers.LoadBook(flags.PeerBookPath)
			if err != nil {
				logger.Fatal("failed to load peer book", zap.Error(err))
			}
		}
		if len(flags.SeedEndpoints) > 0 {
			refresher, err := peers.NewRefresher(logger.Named("peers"), book, flags.MinPeerVersion)
			if err != nil {
				logger.Fatal("failed to build peer refresher", zap.Error(err))
			}
			go refresher.Run(ctx, flags.SeedEndpoints, 30*time.Second)
		}

		store := rituals.NewStore()
		res := resolver.New(
			logger.Named("resolver"),
			book,
			me,
			eng.PublicKey(),
			time.Duration(flags.DiscoveryTimeout)*time.Second,
		)
		rit := ritualist.New(ritualist.Opts{
			Logger:        logger.Named("ritualist"),
			Address:       me,
			Client:        client,
			Engine:        eng,
			Resolver:      res,
			Store:         store,
			Transactor:    transactor,
			SelfPublicKey: eng.PublicKey(),
		})
		trk := ritual_tracker.New(ritual_tracker.Opts{
			Logger:    logger.Named("tracker"),
			Client:    client,
			Ritualist: rit,
			Address:   me,
			Interval:  time.Duration(flags.PollInterval) * time.Second,
		})

		server := node.New(logger.Named("node"), me, flags.Endpoint, cmd.Root().Version, map[peers.Capability][]byte{
			peers.CapabilityRitual: eng.PublicKey(),
		})
		go func() {
			if err := server.Start(uint16(flags.Port)); err != nil {
				logger.Error("node server stopped", zap.Error(err))
			}
		}()

		logger.Info("starting ritual tracker",
			zap.String("coordinator", coordinatorAddr.Hex()),
			zap.Uint64("poll_interval_s", flags.PollInterval))
		trk.Run(ctx)
		return nil
	},
}

// loadOrCreateEngine restores the ritual secret from disk if present, or
// generates a fresh one and persists it so restarts keep the same cohort
// identity.
func loadOrCreateEngine(logger *zap.Logger, me common.Address) (*engine.KyberEngine, error) {
	path := flags.RitualKeyPath
	if data, err := os.ReadFile(path); err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, err
		}
		return engine.NewKyberEngineFromSecret(logger, me, secret)
	}
	eng := engine.NewKyberEngine(logger, me)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(eng.ExportSecret())), 0o600); err != nil {
		return nil, err
	}
	logger.Info("generated a new ritual key", zap.String("path", path))
	return eng, nil
}
