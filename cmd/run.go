package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/pipeline"
)

var (
	runManifest string
	// freshStart is shared by run and serve.
	freshStart bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a manifest of documents until every item finishes",
	Long: `Submits every document in the manifest, processes the queue until all items
succeed or fail, and prints the final counters. Unfinished work from the last
checkpoint is restored first, so after a crash the manifest is optional and
documents already restored are not submitted twice. --fresh discards that
work instead. Interrupting the run checkpoints whatever is still pending.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var m *manifest
		if runManifest != "" {
			var err error
			if m, err = loadManifest(runManifest); err != nil {
				return err
			}
		}

		var known extract.StaticClassifier
		if m != nil {
			known = m.classifications()
		}
		env, err := initEnv(ctx, "run", known)
		if err != nil {
			return err
		}
		defer env.Close()

		return runBatch(ctx, env.Pipeline, m, cmd.OutOrStdout())
	},
}

// runBatch recovers the checkpoint, submits the manifest and drains the
// pipeline, then writes the counters as JSON to out.
func runBatch(ctx context.Context, p *pipeline.Pipeline, m *manifest, out io.Writer) error {
	n, err := p.Recover(ctx)
	if err != nil {
		_ = p.Close()
		return err
	}
	if n > 0 {
		zap.L().Info("resumed from checkpoint", zap.Int("items", n))
	}
	if m == nil && n == 0 {
		_ = p.Close()
		return eris.New("run: --manifest is required when there is no unfinished work")
	}

	if m != nil {
		for _, d := range m.Documents {
			prio, _ := model.ParsePriority(d.Priority)
			if _, err := p.Submit(ctx, d.DocumentRef, prio); err != nil {
				_ = p.Close()
				return eris.Wrapf(err, "submit %s", d.ID)
			}
		}
		zap.L().Info("manifest submitted", zap.Int("documents", len(m.Documents)))
	}

	if err := p.RunUntilDrained(ctx); err != nil {
		return err
	}

	return printJSON(out, p.Stats())
}

func init() {
	runCmd.Flags().StringVar(&runManifest, "manifest", "", "YAML manifest of documents to process")
	runCmd.Flags().BoolVar(&freshStart, "fresh", false, "discard unfinished work in the checkpoint instead of resuming it")
	rootCmd.AddCommand(runCmd)
}
