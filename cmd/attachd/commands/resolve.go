package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tflow/attachstore/internal/pathresolve"
)

var resolveTimeout time.Duration

var resolveCmd = &cobra.Command{
	Use:   "resolve <path>",
	Short: "Locate a recorded path on the remote store",
	Long: `Print the candidate locations searched for a recorded attachment path, in
probe order, and the first one that exists on the remote store.

Examples:
  attachd resolve /uploads/3f2a.pdf
  attachd resolve upload-tirvu-sprint/scan.jpg --timeout 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 30*time.Second, "overall probe timeout")
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	pool, policy, err := newPolicy(ctx, cfg, nil, logger.With(slog.String("command", "resolve")))
	if err != nil {
		return err
	}
	defer pool.Drain()

	recorded := args[0]
	out := cmd.OutOrStdout()
	for i, c := range pathresolve.Candidates(recorded, cfg.Remote.Layout) {
		fmt.Fprintf(out, "%2d  %s\n", i+1, c)
	}

	res, err := pathresolve.New(policy, cfg.Remote.Layout, logger).Resolve(ctx, recorded)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", recorded, err)
	}

	fmt.Fprintf(out, "\nfound: %s (probes: %d, healed: %t)\n", res.Path, res.Probes, res.Healed)
	return nil
}
