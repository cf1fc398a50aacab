// Command patcher builds and applies content-addressed binary directory
// patches: "patcher create" diffs two trees into a patch file, and
// "patcher apply" replays that patch against a target tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"patcher/internal/codec"
	"patcher/internal/config"
	"patcher/internal/event"
	"patcher/internal/executor"
	"patcher/internal/filter"
	"patcher/internal/patchapply"
	"patcher/internal/patchcreate"
	"patcher/internal/scan"
	"patcher/internal/stats"
	"patcher/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// filterFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include rules by appending to a shared filter.Chain.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "string" }

func (f *filterFlag) Set(val string) error {
	if f.include {
		return f.chain.AddInclude(val)
	}
	return f.chain.AddExclude(val)
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func run() int {
	rootCmd := &cobra.Command{
		Use:           "patcher",
		Short:         "Content-addressed binary directory patch tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolP("version", "V", false, "print version and exit")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Fprintf(os.Stdout, "patcher %s\n", version)
			os.Exit(0)
		}
		return nil
	}

	rootCmd.AddCommand(newCreateCmd())
	rootCmd.AddCommand(newApplyCmd())

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return usageExitCode(err)
	}
	return 0
}

func newCreateCmd() *cobra.Command {
	var (
		oldRoot    string
		newRoot    string
		output     string
		workers    int
		blockSize  int
		quiet      bool
		verbose    bool
		filterFile  string
		minSizeStr  string
		maxSizeStr  string
		compression string
	)
	chain := filter.NewChain()

	cmd := &cobra.Command{
		Use:   "create --old <dir> --new <dir> --output <file>",
		Short: "Diff two directory trees into a patch file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if oldRoot == "" || newRoot == "" || output == "" {
				return &exitError{code: 1}
			}

			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyCreateDefaults(cmd, cfg.Defaults, &workers, &blockSize, &quiet, &verbose, &compression)

			setupLogging(quiet, verbose)

			level, err := codec.ParseCompressionLevel(compression)
			if err != nil {
				return &exitError{code: 1}
			}

			if filterFile != "" {
				if err := chain.LoadFile(filterFile); err != nil {
					return fmt.Errorf("load filter file: %w", err)
				}
			}
			if minSizeStr != "" {
				n, err := filter.ParseSize(minSizeStr)
				if err != nil {
					return fmt.Errorf("invalid --min-size: %w", err)
				}
				chain.SetMinSize(n)
			}
			if maxSizeStr != "" {
				n, err := filter.ParseSize(maxSizeStr)
				if err != nil {
					return fmt.Errorf("invalid --max-size: %w", err)
				}
				chain.SetMaxSize(n)
			}

			if workers <= 0 {
				workers = min(runtime.NumCPU()*2, 32)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events := make(chan event.Event, 256)
			collector := stats.NewCollector()
			presenter := ui.NewPresenter(ui.Config{
				Writer:    os.Stdout,
				ErrWriter: os.Stderr,
				Quiet:     quiet,
				Verbose:   verbose,
				Stats:     collector,
			})

			var presenterWg sync.WaitGroup
			presenterWg.Add(1)
			go func() {
				defer presenterWg.Done()
				_ = presenter.Run(events)
			}()

			createCfg := patchcreate.Config{
				OldRoot:          oldRoot,
				NewRoot:          newRoot,
				Output:           output,
				Workers:          workers,
				BlockSize:        blockSize,
				Events:           events,
				Stats:            collector,
				CompressionLevel: level,
			}
			if !chain.Empty() {
				createCfg.Filter = chain
			}

			result := patchcreate.Run(ctx, createCfg)
			stop()
			close(events)
			presenterWg.Wait()

			if !quiet {
				if summary := presenter.Summary(); summary != "" {
					fmt.Fprintln(os.Stderr, summary)
				}
			}

			if result.Err != nil {
				slog.Error("create failed", "error", result.Err)
				return &exitError{code: createExitCode(result.Err)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&oldRoot, "old", "", "path to the old directory tree (required)")
	cmd.Flags().StringVar(&newRoot, "new", "", "path to the new directory tree (required)")
	cmd.Flags().StringVar(&output, "output", "", "path to write the patch file (required)")
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "number of worker goroutines (default: min(NumCPU*2, 32))")
	cmd.Flags().IntVar(&blockSize, "block-size", 0, "rolling-hash block size in bytes (default 4096)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	cmd.Flags().Var(&filterFlag{chain: chain, include: false}, "exclude", "exclude files matching PATTERN (repeatable)")
	cmd.Flags().Var(&filterFlag{chain: chain, include: true}, "include", "include files matching PATTERN (repeatable)")
	cmd.Flags().StringVar(&filterFile, "filter", "", "read filter rules from FILE")
	cmd.Flags().StringVar(&minSizeStr, "min-size", "", "skip files smaller than SIZE (e.g. 1M, 100K)")
	cmd.Flags().StringVar(&maxSizeStr, "max-size", "", "skip files larger than SIZE (e.g. 1G, 500M)")
	cmd.Flags().StringVar(&compression, "compression", "default", "zstd level: fastest, default, better, best")

	return cmd
}

func newApplyCmd() *cobra.Command {
	var (
		target  string
		patch   string
		workers int
		quiet   bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "apply --target <dir> --patch <file>",
		Short: "Apply a patch file to a target directory tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || patch == "" {
				return &exitError{code: 1}
			}

			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyApplyDefaults(cmd, cfg.Defaults, &workers, &quiet, &verbose)

			setupLogging(quiet, verbose)

			if workers <= 0 {
				workers = min(runtime.NumCPU()*2, 32)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events := make(chan event.Event, 256)
			collector := stats.NewCollector()
			presenter := ui.NewPresenter(ui.Config{
				Writer:    os.Stdout,
				ErrWriter: os.Stderr,
				Quiet:     quiet,
				Verbose:   verbose,
				DstRoot:   target,
				Stats:     collector,
			})

			var presenterWg sync.WaitGroup
			presenterWg.Add(1)
			go func() {
				defer presenterWg.Done()
				_ = presenter.Run(events)
			}()

			result := patchapply.Run(ctx, patchapply.Config{
				TargetRoot: target,
				PatchPath:  patch,
				Workers:    workers,
				Events:     events,
				Stats:      collector,
			})
			stop()
			close(events)
			presenterWg.Wait()

			if !quiet {
				if summary := presenter.Summary(); summary != "" {
					fmt.Fprintln(os.Stderr, summary)
				}
			}

			if result.Err != nil {
				slog.Error("apply failed", "error", result.Err)
				return &exitError{code: applyExitCode(result.Err)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "path to the directory tree to patch (required)")
	cmd.Flags().StringVar(&patch, "patch", "", "path to the patch file (required)")
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "number of worker goroutines (default: min(NumCPU*2, 32))")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	return cmd
}

func setupLogging(quiet, verbose bool) {
	level := slog.LevelWarn
	switch {
	case verbose:
		level = slog.LevelDebug
	case !quiet:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func applyCreateDefaults(cmd *cobra.Command, d config.DefaultsConfig, workers, blockSize *int, quiet, verbose *bool, compression *string) {
	if !cmd.Flags().Changed("workers") && d.Workers != nil {
		*workers = *d.Workers
	}
	if !cmd.Flags().Changed("block-size") && d.BlockSize != nil {
		*blockSize = *d.BlockSize
	}
	if !cmd.Flags().Changed("quiet") && d.Quiet != nil {
		*quiet = *d.Quiet
	}
	if !cmd.Flags().Changed("verbose") && d.Verbose != nil {
		*verbose = *d.Verbose
	}
	if !cmd.Flags().Changed("compression") && d.CompressionLevel != nil {
		*compression = *d.CompressionLevel
	}
}

func applyApplyDefaults(cmd *cobra.Command, d config.DefaultsConfig, workers *int, quiet, verbose *bool) {
	if !cmd.Flags().Changed("workers") && d.Workers != nil {
		*workers = *d.Workers
	}
	if !cmd.Flags().Changed("quiet") && d.Quiet != nil {
		*quiet = *d.Quiet
	}
	if !cmd.Flags().Changed("verbose") && d.Verbose != nil {
		*verbose = *d.Verbose
	}
}

// createExitCode maps a create-side error to its exit code: 2 for I/O
// failures encountered while scanning or writing the patch file, 5 for a
// user-initiated cancellation (Ctrl-C), 1 for everything else (bad
// arguments, encode failures).
func createExitCode(err error) int {
	switch {
	case errors.Is(err, patchcreate.ErrCancelled):
		return 5
	case errors.Is(err, scan.ErrIoError),
		errors.Is(err, patchcreate.ErrIoError),
		errors.Is(err, os.ErrNotExist):
		return 2
	default:
		return 1
	}
}

// usageExitCode maps a cobra-level error (flag parsing, unknown command)
// to exit code 1.
func usageExitCode(err error) int {
	return 1
}

// applyExitCode maps an apply-side error to its exit code: 2 for I/O
// failures, 3 for patch format errors, 4 for verification failures, 5 for
// a user-initiated cancellation (Ctrl-C).
func applyExitCode(err error) int {
	switch {
	case errors.Is(err, patchapply.ErrCancelled):
		return 5
	case errors.Is(err, codec.ErrBadMagic),
		errors.Is(err, codec.ErrUnsupportedVersion),
		errors.Is(err, codec.ErrCorrupt),
		errors.Is(err, codec.ErrDecompressedTooLarge):
		return 3
	case errors.Is(err, executor.ErrHashMismatch),
		errors.Is(err, executor.ErrStaleTarget),
		errors.Is(err, executor.ErrDirNotEmpty):
		return 4
	case errors.Is(err, executor.ErrIoError):
		return 2
	default:
		return 2
	}
}
