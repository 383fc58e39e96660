package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"decloud/internal/addrutil"
	"decloud/internal/api"
	"decloud/internal/config"
	"decloud/internal/logx"
)

var (
	configPath   string
	superpeerURL string
	agentURL     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "decloud",
		Short: "Peer-to-peer compute sharing: superpeer registry, peer agents and sandboxes",
		Long: `decloud pools spare RAM, CPU, GPU and storage from peers.

A superpeer keeps the registry of live peers and relays sandbox requests
between them. Each peer runs an agent that advertises its inventory,
hosts sandboxes for other peers and can request sandboxes elsewhere.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "decloud.yaml", "path to config file")
	root.PersistentFlags().StringVar(&superpeerURL, "superpeer", "", "superpeer URL (overrides config)")
	root.PersistentFlags().StringVar(&agentURL, "agent", "", "local peer agent URL (overrides config)")

	root.AddCommand(
		initCmd(),
		superpeerCmd(),
		peerCmd(),
		peersCmd(),
		checkCmd(),
		planCmd(),
		connectCmd(),
		execCmd(),
		closeCmd(),
		statusCmd(),
		stunCmd(),
		natCmd(),
		punchCmd(),
	)
	return root
}

func main() {
	fatal(newRootCmd().Execute())
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *zap.Logger {
	log, err := logx.New(cfg.LogLevel)
	fatal(err)
	return log
}

// superpeerClient resolves the superpeer from the flag, the peer section or
// the superpeer's own listen address, in that order.
func superpeerClient() (*api.Client, error) {
	if superpeerURL != "" {
		return api.NewClient(superpeerURL), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Peer != nil:
		return api.NewClient(cfg.Peer.Superpeer,
			api.WithHealthTimeout(cfg.Peer.HealthTimeout()),
			api.WithWriteTimeout(cfg.Peer.RegistryTimeout()),
		), nil
	case cfg.Superpeer != nil:
		return api.NewClient(addrutil.LocalURL(cfg.Superpeer.Listen)), nil
	}
	return nil, errors.New("no superpeer configured")
}

func agentClient() (*api.Client, error) {
	if agentURL != "" {
		return api.NewClient(agentURL), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Peer == nil {
		return nil, errors.New("config has no peer section")
	}
	return api.NewClient(addrutil.LocalURL(cfg.Peer.Listen)), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func fatal(err error) {
	if err == nil {
		return
	}
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		if msg := httpErr.Message(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
			os.Exit(1)
		}
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
