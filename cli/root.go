// Package cli is the meshlink command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"meshlink/config"
	"meshlink/node"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree. Each call returns fresh flag state.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshlink",
		Short: "Multi-hop mesh messaging node",
		Long: `meshlink links nearby devices over TCP, QUIC and WebSocket, discovers
them on the LAN with mDNS and relays short messages across several hops.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("data-dir", "", "data directory (default: $MESHLINK_DATA_DIR or the OS app dir)")
	root.PersistentFlags().String("log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCommand(),
		newSendCommand(),
		newSOSCommand(),
		newStatusCommand(),
		newKeysCommand(),
		newHistoryCommand(),
	)
	return root
}

// loadConfig resolves the data directory from flags or the environment and
// loads the device config stored there.
func loadConfig(cmd *cobra.Command) (*config.DeviceConfig, string, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	var (
		cfg     *config.DeviceConfig
		cfgPath string
		err     error
	)
	if dataDir == "" {
		cfg, cfgPath, err = config.LoadOrCreate()
	} else {
		if envErr := config.LoadEnvFile(); envErr != nil {
			return nil, "", envErr
		}
		cfg, cfgPath, err = config.LoadOrCreateAt(dataDir)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, filepath.Dir(cfgPath), nil
}

// openNode loads the config and builds a node without starting it. The
// caller must Stop it to release the stores.
func openNode(cmd *cobra.Command, mutate func(*config.DeviceConfig)) (*node.Node, *config.DeviceConfig, string, error) {
	cfg, dataDir, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, "", err
	}
	if mutate != nil {
		mutate(cfg)
	}
	n, err := node.New(node.Options{Config: cfg, DataDir: dataDir})
	if err != nil {
		return nil, nil, "", err
	}
	return n, cfg, dataDir, nil
}
