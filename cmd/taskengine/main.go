package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aristath/taskengine/internal/config"
)

func main() {
	// .env is optional; its values feed the TASKENGINE_* overrides.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	server     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "taskengine",
		Short:         "Durable parallel task execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "project config file (default .taskengine/config.yaml)")
	root.PersistentFlags().StringVar(&opts.server, "server", "", "API address used by client commands (default server.addr)")

	root.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newDeadLettersCmd(opts),
		newRedriveCmd(opts),
		newStatsCmd(opts),
		newConfigCmd(),
	)
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.LoadDefault()
	}

	globalPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		globalPath = filepath.Join(home, ".taskengine", "config.yaml")
	}
	return config.Load(globalPath, o.configPath)
}

// client builds an API client for the --server flag, falling back to
// the configured listen address.
func (o *rootOptions) client() (*apiClient, error) {
	addr := o.server
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return newAPIClient(addr), nil
}
