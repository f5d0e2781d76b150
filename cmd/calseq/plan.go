package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/calseq/internal/catalog"
	"github.com/fyrsmithlabs/calseq/internal/config"
	"github.com/fyrsmithlabs/calseq/internal/dataset"
	"github.com/fyrsmithlabs/calseq/internal/logging"
	"github.com/fyrsmithlabs/calseq/internal/orchestrator"
	"github.com/fyrsmithlabs/calseq/internal/solve"
	"github.com/fyrsmithlabs/calseq/internal/telemetry"
)

// planCalibrator optionally names the catalog calibrator to plan against.
var planCalibrator string

// planCmd dry-runs a calibration sequence
var planCmd = &cobra.Command{
	Use:   "plan <manifest>",
	Short: "Dry-run the calibration sequence for a dataset",
	Long: `Plan loads the dataset manifest and the calibrator catalog, selects the
field window, and prints the stage sequence a run would execute, without
invoking a solver.

Examples:
  # Plan against the nearest catalog calibrator
  calseq plan --config calseq.yaml drift-2025-10-02.yaml

  # Plan against a named calibrator
  calseq plan --config calseq.yaml --calibrator 3C147 drift-2025-10-02.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planCalibrator, "calibrator", "", "calibrator name; defaults to the nearest catalog source")
}

// noSolver satisfies the sequencer's solver requirement for dry runs,
// which never solve.
type noSolver struct{}

func (noSolver) SolveStage(context.Context, solve.Dataset, solve.StageParams, []solve.UpstreamTable) (*solve.CalibrationTable, error) {
	return nil, errors.New("no solver configured")
}

func (noSolver) Identity() solve.SolverIdentity {
	return solve.SolverIdentity{Name: "none"}
}

// runPlan handles the plan command
func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is not configured")
	}

	ds, err := dataset.LoadManifest(args[0])
	if err != nil {
		return err
	}
	cat, err := catalog.LoadCSV(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	cal, err := pickCalibrator(ctx, cat, ds, cfg.Catalog.SearchRadiusDeg)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.WithoutCancel(ctx)) //nolint:errcheck

	seq, err := orchestrator.NewSequencer(orchestrator.Deps{
		Solver:       noSolver{},
		FieldSelect:  cfg.FieldSelectConfig(),
		RefAntennas:  cfg.Run.ReferenceAntennas,
		StageTimeout: cfg.Run.StageTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	stages, err := cfg.StageConfigs()
	if err != nil {
		return err
	}

	plan, err := seq.Plan(ctx, ds, cal, stages)
	if err != nil {
		return err
	}
	printPlan(cmd.OutOrStdout(), plan)
	return nil
}

// pickCalibrator resolves the calibrator by name when given, otherwise by
// proximity to the dataset's middle pointing.
func pickCalibrator(ctx context.Context, cat *catalog.CSVStore, ds solve.Dataset, radiusDeg float64) (catalog.Calibrator, error) {
	if planCalibrator != "" {
		return cat.ByName(ctx, planCalibrator)
	}
	fields := ds.Fields()
	mid := fields[len(fields)/2].Dir
	return cat.Nearest(ctx, mid, radiusDeg)
}

func printPlan(w io.Writer, plan *orchestrator.Plan) {
	fmt.Fprintf(w, "Dataset:    %s\n", plan.Dataset)
	fmt.Fprintf(w, "Calibrator: %s\n", plan.Calibrator)
	fmt.Fprintf(w, "Window:     fields %s (peak %d, response %.3f)\n\n",
		plan.Window.Spec(), plan.Window.Peak, plan.Window.PeakResponse)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tENABLED\tFIELDS\tINTERVAL\tMIN_SNR\tCOMBINE\tDEPENDS_ON")
	for _, st := range plan.Stages {
		if !st.Enabled {
			fmt.Fprintf(tw, "%s\tno\t-\t-\t-\t-\t-\n", st.Stage)
			continue
		}
		interval := "whole-obs"
		if st.Params.SolutionInterval > 0 {
			interval = st.Params.SolutionInterval.String()
		}
		deps := "-"
		if len(st.DependsOn) > 0 {
			deps = ""
			for i, d := range st.DependsOn {
				if i > 0 {
					deps += ","
				}
				deps += string(d)
			}
		}
		fmt.Fprintf(tw, "%s\tyes\t%s\t%s\t%.1f\t%s\t%s\n",
			st.Stage, st.Params.Fields, interval, st.Params.MinSNR, st.Params.Combine, deps)
	}
	tw.Flush()
}
