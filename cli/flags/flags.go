package flags

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag names.
const (
	logLevel         = "logLevel"
	logFormat        = "logFormat"
	configPath       = "configPath"
	rpcEndpoint      = "rpcEndpoint"
	coordinator      = "coordinatorAddress"
	privateKey       = "privateKey"
	ritualKeyPath    = "ritualKeyPath"
	port             = "port"
	endpoint         = "endpoint"
	peerBookPath     = "peerBookPath"
	seedEndpoints    = "seedEndpoints"
	minPeerVersion   = "minPeerVersion"
	pollInterval     = "pollInterval"
	discoveryTimeout = "discoveryTimeout"
	waitMined        = "waitMined"
)

// global flags, populated by Bind*.
var (
	LogLevel         string
	LogFormat        string
	ConfigPath       string
	RPCEndpoint      string
	Coordinator      string
	PrivateKey       string
	RitualKeyPath    string
	Port             uint64
	Endpoint         string
	PeerBookPath     string
	SeedEndpoints    []string
	MinPeerVersion   string
	PollInterval     uint64
	DiscoveryTimeout uint64
	WaitMined        bool
)

// SetBaseFlags adds the flags shared by every command.
func SetBaseFlags(cmd *cobra.Command) {
	AddPersistentStringFlag(cmd, configPath, "", "Path to a YAML config file", false)
	AddPersistentStringFlag(cmd, logLevel, "debug", "Logger's log level", false)
	AddPersistentStringFlag(cmd, logFormat, "json", "Logger's encoding, 'json' (default) or 'console'", false)
	AddPersistentStringFlag(cmd, rpcEndpoint, "", "Ethereum RPC endpoint", true)
	AddPersistentStringFlag(cmd, coordinator, "", "Coordinator contract address", true)
}

// SetTrackerFlags adds the flags of the start-tracker command.
func SetTrackerFlags(cmd *cobra.Command) {
	SetBaseFlags(cmd)
	AddPersistentStringFlag(cmd, privateKey, "", "Hex-encoded transacting private key", true)
	AddPersistentStringFlag(cmd, ritualKeyPath, "./ritual.key", "Path to the ritual secret key file", false)
	AddPersistentIntFlag(cmd, port, 3030, "Port of the node HTTP server", false)
	AddPersistentStringFlag(cmd, endpoint, "", "Publicly reachable endpoint of this node", false)
	AddPersistentStringFlag(cmd, peerBookPath, "", "Path to a YAML peer book", false)
	AddPersistentStringSliceFlag(cmd, seedEndpoints, nil, "Peer endpoints to refresh discovery from", false)
	AddPersistentStringFlag(cmd, minPeerVersion, "0.1.0", "Minimum accepted peer node version", false)
	AddPersistentIntFlag(cmd, pollInterval, 60, "Chain scan interval in seconds", false)
	AddPersistentIntFlag(cmd, discoveryTimeout, 60, "Peer discovery timeout in seconds, 0 fails fast", false)
	AddPersistentBoolFlag(cmd, waitMined, true, "Wait for submitted transactions to be mined", false)
}

// BindBaseFlags binds flags to yaml config parameters and reads the config
// file when one is given.
func BindBaseFlags(cmd *cobra.Command) error {
	for _, f := range []string{configPath, logLevel, logFormat, rpcEndpoint, coordinator} {
		if err := viper.BindPFlag(f, cmd.PersistentFlags().Lookup(f)); err != nil {
			return err
		}
	}
	ConfigPath = viper.GetString(configPath)
	if ConfigPath != "" {
		viper.SetConfigFile(ConfigPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", ConfigPath, err)
		}
	}
	LogLevel = viper.GetString(logLevel)
	LogFormat = viper.GetString(logFormat)
	RPCEndpoint = viper.GetString(rpcEndpoint)
	Coordinator = viper.GetString(coordinator)
	return nil
}

// BindTrackerFlags binds the start-tracker flags.
func BindTrackerFlags(cmd *cobra.Command) error {
	if err := BindBaseFlags(cmd); err != nil {
		return err
	}
	for _, f := range []string{privateKey, ritualKeyPath, port, endpoint, peerBookPath, seedEndpoints, minPeerVersion, pollInterval, discoveryTimeout, waitMined} {
		if err := viper.BindPFlag(f, cmd.PersistentFlags().Lookup(f)); err != nil {
			return err
		}
	}
	PrivateKey = viper.GetString(privateKey)
	RitualKeyPath = viper.GetString(ritualKeyPath)
	Port = viper.GetUint64(port)
	if Port == 0 || Port > math.MaxUint16 {
		return fmt.Errorf("port %d is out of range, must be in [1, %d]", Port, math.MaxUint16)
	}
	Endpoint = viper.GetString(endpoint)
	PeerBookPath = viper.GetString(peerBookPath)
	SeedEndpoints = viper.GetStringSlice(seedEndpoints)
	MinPeerVersion = viper.GetString(minPeerVersion)
	PollInterval = viper.GetUint64(pollInterval)
	DiscoveryTimeout = viper.GetUint64(discoveryTimeout)
	WaitMined = viper.GetBool(waitMined)
	return nil
}

func AddPersistentStringFlag(c *cobra.Command, flag, value, description string, isRequired bool) {
	req := ""
	if isRequired {
		req = " (required)"
	}

	c.PersistentFlags().String(flag, value, fmt.Sprintf("%s%s", description, req))

	if isRequired {
		_ = c.MarkPersistentFlagRequired(flag)
	}
}

func AddPersistentIntFlag(c *cobra.Command, flag string, value uint64, description string, isRequired bool) {
	req := ""
	if isRequired {
		req = " (required)"
	}

	c.PersistentFlags().Uint64(flag, value, fmt.Sprintf("%s%s", description, req))

	if isRequired {
		_ = c.MarkPersistentFlagRequired(flag)
	}
}

func AddPersistentStringSliceFlag(c *cobra.Command, flag string, value []string, description string, isRequired bool) {
	req := ""
	if isRequired {
		req = " (required)"
	}

	c.PersistentFlags().StringSlice(flag, value, fmt.Sprintf("%s%s", description, req))

	if isRequired {
		_ = c.MarkPersistentFlagRequired(flag)
	}
}

func AddPersistentBoolFlag(c *cobra.Command, flag string, value bool, description string, isRequired bool) {
	req := ""
	if isRequired {
		req = " (required)"
	}

	c.PersistentFlags().Bool(flag, value, fmt.Sprintf("%s%s", description, req))

	if isRequired {
		_ = c.MarkPersistentFlagRequired(flag)
	}
}
