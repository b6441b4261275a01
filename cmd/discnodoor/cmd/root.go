package cmd

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/discnodoor/config"
	"github.com/ethpandaops/discnodoor/discnode"
	"github.com/ethpandaops/discnodoor/netconfig"
	"github.com/ethpandaops/discnodoor/nodedb"
	"github.com/ethpandaops/discnodoor/webui"
)

var (
	configPath string

	privateKeyHex         string
	bindAddr              string
	bindPort              int
	enrIP                 string
	enrIP6                string
	enrPort               int
	bootnodesFlag         string
	nodeDBPath            string
	networkConfigPath     string
	genesisValidatorsRoot string
	genesisTime           uint64
	gracePeriod           time.Duration
	logLevel              string
	maxNodesPerIP         int

	enableWebUI bool
	webUIHost   string
	webUIPort   int
	webUISite   string

	rootCmd = &cobra.Command{
		Use:   "discnodoor",
		Short: "Ethereum Discovery v5 node",
		Long: `Discnodoor is an Ethereum Discovery v5 node implementation.

It maintains a Kademlia routing table of consensus layer peers, answers
discovery queries and runs iterative lookups, with optional fork digest
filtering and a persistent node database.`,
		RunE: runNode,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	rootCmd.Flags().StringVar(&privateKeyHex, "private-key", "", "Private key in hex format (empty = ephemeral key)")
	rootCmd.Flags().StringVar(&bindAddr, "bind-addr", "0.0.0.0", "IP address to bind to")
	rootCmd.Flags().IntVar(&bindPort, "bind-port", 9000, "UDP port to bind to")
	rootCmd.Flags().StringVar(&enrIP, "enr-ip", "", "IPv4 address to advertise in ENR")
	rootCmd.Flags().StringVar(&enrIP6, "enr-ip6", "", "IPv6 address to advertise in ENR")
	rootCmd.Flags().IntVar(&enrPort, "enr-port", 0, "UDP port to advertise in ENR (0 = use bind-port)")
	rootCmd.Flags().StringVar(&bootnodesFlag, "bootnodes", "", "Comma-separated list of bootnode ENRs")
	rootCmd.Flags().StringVar(&nodeDBPath, "nodedb", "", "Path to sqlite node database (empty = in-memory)")
	rootCmd.Flags().StringVar(&networkConfigPath, "network-config", "", "Path to consensus network config file")
	rootCmd.Flags().StringVar(&genesisValidatorsRoot, "genesis-validators-root", "", "Genesis validators root (hex)")
	rootCmd.Flags().Uint64Var(&genesisTime, "genesis-time", 0, "Genesis time (Unix timestamp, 0 = derive from config)")
	rootCmd.Flags().DurationVar(&gracePeriod, "grace-period", 60*time.Minute, "Grace period for old fork digests")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().IntVar(&maxNodesPerIP, "max-nodes-per-ip", 10, "Maximum number of table nodes per IP address")

	rootCmd.Flags().BoolVar(&enableWebUI, "web-ui", false, "Enable web UI")
	rootCmd.Flags().StringVar(&webUIHost, "web-host", "0.0.0.0", "Web UI host")
	rootCmd.Flags().IntVar(&webUIPort, "web-port", 8080, "Web UI port")
	rootCmd.Flags().StringVar(&webUISite, "web-sitename", "Discnodoor", "Web UI site name")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	privKey, err := loadPrivateKey(cfg.PrivateKey, logger)
	if err != nil {
		return err
	}

	var store *nodedb.Store
	if cfg.NodeDBPath != "" {
		logger.WithField("path", cfg.NodeDBPath).Info("using persistent node database")
		database, err := nodedb.NewDatabase(cfg.NodeDBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open node database: %w", err)
		}
		store = nodedb.NewStore(database, logger)
		defer store.Close()
	} else {
		logger.Info("running without node database")
	}

	forkFilter, err := loadForkFilter(cfg, logger)
	if err != nil {
		return err
	}

	service, err := discnode.New(discnode.Config{
		Config:     cfg,
		PrivateKey: privKey,
		Store:      store,
		ForkFilter: forkFilter,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create discovery service: %w", err)
	}

	if err := service.Start(); err != nil {
		return fmt.Errorf("failed to start discovery service: %w", err)
	}

	encoded, _ := service.LocalRecord().EncodeBase64()
	logger.WithFields(logrus.Fields{
		"nodeID":      service.LocalID().String(),
		"bindAddress": fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort),
		"enr":         encoded,
	}).Info("node started")

	var webSrv *webui.Server
	if cfg.WebUI.Enabled {
		webSrv, err = webui.NewServer(cfg.WebUI, logger, service)
		if err != nil {
			return fmt.Errorf("failed to create web ui: %w", err)
		}
		if err := webSrv.Start(); err != nil {
			return fmt.Errorf("failed to start web ui: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	if webSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := webSrv.Stop(ctx); err != nil {
			logger.WithError(err).Error("error stopping web ui")
		}
		cancel()
	}

	if err := service.Stop(); err != nil {
		logger.WithError(err).Error("error stopping discovery service")
	}

	logger.Info("node stopped")
	return nil
}

// applyFlagOverrides copies explicitly set flags over the file values.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("private-key") {
		cfg.PrivateKey = privateKeyHex
	}
	if flags.Changed("bind-addr") {
		cfg.BindAddr = bindAddr
	}
	if flags.Changed("bind-port") {
		cfg.BindPort = bindPort
	}
	if flags.Changed("enr-ip") {
		cfg.ENRIP = enrIP
	}
	if flags.Changed("enr-ip6") {
		cfg.ENRIP6 = enrIP6
	}
	if flags.Changed("enr-port") {
		cfg.ENRPort = enrPort
	}
	if flags.Changed("bootnodes") {
		cfg.Bootnodes = nil
		for _, entry := range strings.Split(bootnodesFlag, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.Bootnodes = append(cfg.Bootnodes, entry)
			}
		}
	}
	if flags.Changed("nodedb") {
		cfg.NodeDBPath = nodeDBPath
	}
	if flags.Changed("network-config") {
		cfg.NetworkConfigPath = networkConfigPath
	}
	if flags.Changed("genesis-validators-root") {
		cfg.GenesisValidatorsRoot = genesisValidatorsRoot
	}
	if flags.Changed("genesis-time") {
		cfg.GenesisTime = genesisTime
	}
	if flags.Changed("grace-period") {
		cfg.GracePeriod = gracePeriod
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("max-nodes-per-ip") {
		cfg.MaxNodesPerIP = maxNodesPerIP
	}
	if flags.Changed("web-ui") {
		cfg.WebUI.Enabled = enableWebUI
	}
	if flags.Changed("web-host") {
		cfg.WebUI.Host = webUIHost
	}
	if flags.Changed("web-port") {
		cfg.WebUI.Port = webUIPort
	}
	if flags.Changed("web-sitename") {
		cfg.WebUI.SiteName = webUISite
	}
}

// loadPrivateKey parses the configured hex key or generates an
// ephemeral one when none is configured.
func loadPrivateKey(hexKey string, logger logrus.FieldLogger) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		logger.Warn("no private key configured, generating ephemeral key")
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		return key, nil
	}

	hexKey = strings.TrimPrefix(hexKey, "0x")
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	key, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// loadForkFilter builds the fork digest filter when a network config is
// configured.
func loadForkFilter(cfg *config.Config, logger logrus.FieldLogger) (*netconfig.ForkFilter, error) {
	if cfg.NetworkConfigPath == "" {
		logger.Info("no network config, fork filtering disabled")
		return nil, nil
	}

	netCfg, err := netconfig.Load(cfg.NetworkConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load network config: %w", err)
	}
	if err := netCfg.SetGenesisValidatorsRoot(cfg.GenesisValidatorsRoot); err != nil {
		return nil, fmt.Errorf("invalid genesis validators root: %w", err)
	}
	if cfg.GenesisTime != 0 {
		netCfg.SetGenesisTime(cfg.GenesisTime)
	}
	if netCfg.GenesisTime() == 0 {
		return nil, fmt.Errorf("genesis time not configured and not derivable from network config")
	}

	filter := netconfig.NewForkFilter(netCfg, cfg.GracePeriod, logger)

	logger.WithFields(logrus.Fields{
		"network":     filter.NetworkName(),
		"fork":        filter.CurrentForkName(),
		"digest":      filter.CurrentDigest().String(),
		"gracePeriod": cfg.GracePeriod,
	}).Info("fork digest filtering enabled")

	return filter, nil
}
