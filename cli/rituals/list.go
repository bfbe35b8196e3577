package rituals

import (
	"context"
	"fmt"
	"os"

	"github.com/aquasecurity/table"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coven-labs/ritual-engine/cli/flags"
	cli_utils "github.com/coven-labs/ritual-engine/cli/utils"
	"github.com/coven-labs/ritual-engine/pkgs/chain"
	"github.com/coven-labs/ritual-engine/pkgs/utils"
)

func init() {
	flags.SetBaseFlags(ListRituals)
}

// ListRituals prints every ritual the Coordinator contract knows about.
var ListRituals = &cobra.Command{
	Use:   "list-rituals",
	Short: "Lists all rituals on the Coordinator contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := flags.BindBaseFlags(cmd); err != nil {
			return err
		}
		logger, err := cli_utils.BuildLogger(flags.LogLevel, flags.LogFormat)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx := context.Background()
		backend, err := ethclient.DialContext(ctx, flags.RPCEndpoint)
		if err != nil {
			logger.Fatal("failed to dial RPC endpoint", zap.Error(err))
		}
		coordinatorAddr, err := utils.ParseAddress(flags.Coordinator)
		if err != nil {
			logger.Fatal("invalid coordinator address", zap.Error(err))
		}
		client, err := chain.NewCoordinatorClient(logger.Named("chain"), backend, coordinatorAddr, false)
		if err != nil {
			logger.Fatal("failed to bind coordinator contract", zap.Error(err))
		}

		count, err := client.NumberOfRituals(ctx)
		if err != nil {
			logger.Fatal("failed to count rituals", zap.Error(err))
		}

		tbl := table.New(os.Stdout)
		tbl.SetHeaders("ID", "Status", "Initiator", "Threshold", "Shares", "Transcripts", "Aggregations")
		for id := uint32(0); id < count; id++ {
			ritual, err := client.Ritual(ctx, id, false)
			if err != nil {
				logger.Fatal("failed to fetch ritual", zap.Uint32("ritual", id), zap.Error(err))
			}
			tbl.AddRow(
				fmt.Sprintf("%d", id),
				ritual.Status.String(),
				ritual.Initiator.Hex(),
				fmt.Sprintf("%d", ritual.Threshold),
				fmt.Sprintf("%d", ritual.Shares),
				fmt.Sprintf("%d", ritual.TotalTranscripts),
				fmt.Sprintf("%d", ritual.TotalAggregations),
			)
		}
		tbl.Render()
		return nil
	},
}
