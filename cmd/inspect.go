package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docflow/internal/checkpoint"
	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/model"
	"github.com/sells-group/docflow/internal/store"
)

var checkpointHistory bool

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect durable queue snapshots",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cps, err := initCheckpoints(ctx)
		if err != nil {
			return err
		}
		defer cps.Close() //nolint:errcheck

		if checkpointHistory {
			s, ok := cps.(*checkpoint.SQLiteStore)
			if !ok {
				return eris.New("checkpoint history requires the sqlite checkpoint driver")
			}
			entries, err := s.History(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		}

		cp, err := cps.Load(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summarizeCheckpoint(cp))
	},
}

type checkpointSummary struct {
	*model.Checkpoint
	Depths map[model.Priority]int `json:"depths"`
}

func summarizeCheckpoint(cp *model.Checkpoint) checkpointSummary {
	return checkpointSummary{Checkpoint: cp, Depths: cp.Depths()}
}

var recordVersion int

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect consolidated records",
}

var recordsGetCmd = &cobra.Command{
	Use:   "get <document-id>",
	Short: "Print a document's latest (or a specific) record version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if recordVersion > 0 {
			rec, err := st.GetRecordVersion(ctx, args[0], recordVersion)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		}
		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var recordsVersionsCmd = &cobra.Command{
	Use:   "versions <document-id>",
	Short: "List a document's stored record versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		versions, err := st.ListVersions(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"document_id": args[0], "versions": versions})
	},
}

var recordsReconsolidateCmd = &cobra.Command{
	Use:   "reconsolidate <document-id>",
	Short: "Re-run consolidation over a record's results with the current weights",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := reconsolidate(ctx, st, consolidate.New(consolidateConfig(cfg)), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

// reconsolidate stores the next version of docID's record, rebuilt from the
// latest version's results.
func reconsolidate(ctx context.Context, st store.Store, c *consolidate.Consolidator, docID string) (*model.ConsolidatedRecord, error) {
	prev, err := st.GetRecord(ctx, docID)
	if err != nil {
		return nil, err
	}
	next := c.Reconsolidate(prev, nil)
	version, err := st.SaveRecord(ctx, next)
	if err != nil {
		return nil, eris.Wrapf(err, "save record %s", docID)
	}
	next.Version = version
	return next, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	checkpointShowCmd.Flags().BoolVar(&checkpointHistory, "history", false, "list retained snapshots (sqlite driver only)")
	checkpointCmd.AddCommand(checkpointShowCmd)
	rootCmd.AddCommand(checkpointCmd)

	recordsGetCmd.Flags().IntVar(&recordVersion, "version", 0, "record version (default latest)")
	recordsCmd.AddCommand(recordsGetCmd, recordsVersionsCmd, recordsReconsolidateCmd)
	rootCmd.AddCommand(recordsCmd)
}
