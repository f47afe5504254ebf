package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"

	"appforge/internal/catalog"
	"appforge/internal/logging"
	"appforge/internal/workflow"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runPrompt       string
	runModel        string
	runResearch     bool
	runSave         bool
	runNoDiscussion bool
	runNoQuality    bool
	runParallel     int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate an app in the terminal",
	Long: `Run one generation and print the resulting program as fenced html, css
and javascript blocks on stdout. Progress goes to stderr. The first Ctrl-C
asks the run to stop after the current model call; a second one aborts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(runPrompt) == "" {
			return fmt.Errorf("--prompt is required")
		}
		if runNoDiscussion {
			cfg.Workflow.DiscussionEnabled = false
		}
		if runNoQuality {
			cfg.Workflow.QualityPassEnabled = false
		}
		if runParallel > 0 {
			cfg.Workflow.Parallelism = runParallel
		}
		return runOnce(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "P", "", "what to build")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model id (default: best available)")
	runCmd.Flags().BoolVar(&runResearch, "research", false, "run the research phase first")
	runCmd.Flags().BoolVar(&runSave, "save", false, "record the run in the run history store")
	runCmd.Flags().BoolVar(&runNoDiscussion, "no-discussion", false, "skip the discussion phase")
	runCmd.Flags().BoolVar(&runNoQuality, "no-quality-pass", false, "skip the final quality pass")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "run up to N independent steps at once")
}

func runOnce(ctx context.Context, stdout, stderr io.Writer) error {
	logger := logging.L()
	a, err := newApp(cfg, logger, runSave)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.refreshCatalog(ctx, false); err != nil {
		var cfgErr *catalog.ConfigurationError
		if errors.As(err, &cfgErr) {
			return err
		}
		if runModel == "" {
			return fmt.Errorf("no model given and the model list is unavailable: %w", err)
		}
		logger.Warn("model catalog unavailable, using the given model for every phase", zap.Error(err))
	}

	orch := a.orchestrator(workflow.WithStatusSink(workflow.StatusFunc(func(ev workflow.StatusEvent) {
		fmt.Fprintln(stderr, formatStatus(ev))
	})))
	defer orch.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := signalChannel()
	defer signal.Stop(sigs)
	done := make(chan struct{})
	defer close(done)
	go func() {
		stopping := false
		for {
			select {
			case <-done:
				return
			case <-sigs:
				if stopping {
					cancel()
					return
				}
				stopping = orch.Stop()
				if !stopping {
					cancel()
					return
				}
			}
		}
	}()

	ch, err := orch.StartSubmit(ctx, runPrompt, runModel, runResearch)
	if err != nil {
		return err
	}
	res := <-ch

	if err := writeProgram(stdout, orch.Program()); err != nil {
		return err
	}
	if res.Outcome == workflow.OutcomeFailed {
		if orch.RetryPayload().Available {
			return fmt.Errorf("run %s failed (retryable): %w", res.RunID, res.Err)
		}
		return fmt.Errorf("run %s failed: %w", res.RunID, res.Err)
	}
	return nil
}

// formatStatus renders one status event as a terminal line.
func formatStatus(ev workflow.StatusEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", ev.Phase)
	if ev.TotalSteps > 0 && ev.Step > 0 {
		fmt.Fprintf(&b, " (%d/%d)", ev.Step, ev.TotalSteps)
	}
	if ev.IsError {
		b.WriteString(" error:")
	}
	b.WriteString(" ")
	b.WriteString(ev.Detail)
	if ev.Retryable {
		b.WriteString(" [retryable]")
	}
	return b.String()
}

// writeProgram prints the non-empty fields as fenced code blocks.
func writeProgram(w io.Writer, p workflow.Program) error {
	blocks := []struct{ lang, body string }{
		{"html", p.HTML},
		{"css", p.CSS},
		{"javascript", p.JS},
	}
	for _, blk := range blocks {
		if blk.body == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "```%s\n%s\n```\n", blk.lang, blk.body); err != nil {
			return err
		}
	}
	return nil
}
