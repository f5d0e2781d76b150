package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/calseq/internal/config"
	"github.com/fyrsmithlabs/calseq/internal/provenance"
	"github.com/fyrsmithlabs/calseq/internal/solve"
)

var (
	// provStage restricts the query to one stage.
	provStage string
	// provStore overrides the configured store path.
	provStore string
)

// provenanceCmd queries the provenance record store
var provenanceCmd = &cobra.Command{
	Use:   "provenance <dataset>",
	Short: "List provenance records for a dataset",
	Long: `Provenance queries the NDJSON record store written by calibration runs:
which solver produced each table, with which parameters, after how many
attempts, and what quality came out.

Examples:
  # All records for a dataset
  calseq provenance --config calseq.yaml 2025-10-02T03:10:00

  # Only the bandpass solves
  calseq provenance --config calseq.yaml --stage bandpass 2025-10-02T03:10:00

  # Query a specific store file
  calseq provenance --store /data/cal/provenance.ndjson 2025-10-02T03:10:00`,
	Args: cobra.ExactArgs(1),
	RunE: runProvenance,
}

func init() {
	provenanceCmd.Flags().StringVar(&provStage, "stage", "", "restrict to one stage (delay, prephase, bandpass, gain)")
	provenanceCmd.Flags().StringVar(&provStore, "store", "", "provenance store path (defaults to the configured path)")
}

// runProvenance handles the provenance command
func runProvenance(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	path := provStore
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.Provenance.Path
	}

	store, err := provenance.NewFileStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	name := args[0]
	var recs []provenance.Record
	if provStage != "" {
		kind := solve.StageKind(provStage)
		if !kind.Valid() {
			return fmt.Errorf("unknown stage %q", provStage)
		}
		recs, err = store.ByStage(ctx, name, kind)
	} else {
		recs, err = store.ByDataset(ctx, name)
	}
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no provenance records for dataset %s\n", name)
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSTAGE\tTABLE\tATTEMPTS\tSOLUTIONS\tFLAGGED\tMEDIAN_SNR\tREFANT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.1f%%\t%.1f\t%d\n",
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.Stage,
			r.TableID,
			r.Attempts,
			r.Metrics.Solutions,
			r.Metrics.FlaggedFraction*100,
			r.Metrics.MedianSNR,
			r.RefAntenna)
	}
	return tw.Flush()
}
