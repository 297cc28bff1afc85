package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
)

type dispatchOptions struct {
	mode      string
	platforms []string
	rules     []string
	jobType   string
	keywords  []string
	force     bool
	wait      bool
	timeout   time.Duration
}

func newDispatchCmd() *cobra.Command {
	opts := &dispatchOptions{}
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Runs one dispatch pass and prints the result as JSON",
		Long: `Computes the due units for the chosen mode, submits them to the worker
pools and prints what was submitted and skipped. With --wait the command
blocks until the submitted units finish.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDispatch(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.mode, "mode", scheduler.ModeScheduled, "scheduled, priority, realtime or batch")
	f.StringSliceVar(&opts.platforms, "platform", nil, "restrict to platforms (realtime uses the first)")
	f.StringSliceVar(&opts.rules, "rule", nil, "keyword rule IDs for priority mode")
	f.StringVar(&opts.jobType, "job-type", "", "job type for realtime mode")
	f.StringSliceVar(&opts.keywords, "keyword", nil, "keywords for realtime mode")
	f.BoolVar(&opts.force, "force", false, "dispatch units that are not yet due")
	f.BoolVar(&opts.wait, "wait", false, "wait for submitted units to finish")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "upper bound for --wait")
	return cmd
}

func runDispatch(cmd *cobra.Command, opts *dispatchOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(appInstance)

	modeOpts := scheduler.ModeOptions{
		RuleIDs:  opts.rules,
		JobType:  opts.jobType,
		Keywords: opts.keywords,
	}
	platforms := opts.platforms
	if opts.mode == scheduler.ModeRealtime && len(platforms) > 0 {
		modeOpts.Platform = platforms[0]
		platforms = nil
	}
	mode, err := scheduler.ParseMode(opts.mode, modeOpts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	appInstance.StartPools(ctx)
	res, err := appInstance.Dispatch(ctx, scheduler.Request{Mode: mode, Platforms: platforms, Force: opts.force})
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if opts.wait && len(res.Submitted) > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		if err := appInstance.WaitIdle(waitCtx); err != nil {
			return err
		}
	}
	return printJSON(cmd, res)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func closeApp(appInstance App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := appInstance.Close(ctx); err != nil {
		zap.L().Warn("application close failed", zap.Error(err))
	}
}
