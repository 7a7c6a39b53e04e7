package cmd

import (
	"fmt"
	"io"

	"github.com/adalundhe/docmaker/core/runlog"
	"github.com/spf13/cobra"
)

var (
	runsLimit int
	runsJSON  bool
	runsPath  string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded training runs",
	Long: `List training runs recorded in the run ledger, newest first.

Examples:
  docmaker runs
  docmaker runs show 3f2a
  docmaker runs rm 3f2a`,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the epochs, checkpoints and samples of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a run from the ledger",
	Args:    cobra.ExactArgs(1),
	RunE:    runRunsRm,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsRmCmd)

	runsCmd.PersistentFlags().StringVar(&runsPath, "runlog", "", "Run ledger path")
	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "Output as JSON")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "l", 20, "Maximum runs to list; 0 lists all")
}

func openLedgerForRead(cmd *cobra.Command) (*runlog.Ledger, error) {
	path := runsPath
	if !cmd.Flags().Changed("runlog") {
		mgr, dirs, err := loadConfig()
		if err != nil {
			return nil, err
		}
		defer mgr.Close()
		path = mgr.Get().RunLog.Path
		if path == "" {
			path = dirs.RunLogPath()
		}
	}
	return runlog.Open(path)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	ledger, err := openLedgerForRead(cmd)
	if err != nil {
		return err
	}
	defer ledger.Close()

	runs, err := ledger.Runs(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if runsJSON {
		if runs == nil {
			runs = []runlog.Run{}
		}
		return writeJSON(w, runs)
	}

	p := newPalette(w)
	if len(runs) == 0 {
		fmt.Fprintf(w, "%sNo runs recorded in %s%s\n", p.gray, ledger.Path(), p.reset)
		return nil
	}

	fmt.Fprintf(w, "%s%-10s %-10s %-12s %-19s %7s %10s %s%s\n",
		p.bold, "ID", "STATUS", "STAMP", "STARTED", "EPOCHS", "LOSS", "CORPUS", p.reset)
	for _, r := range runs {
		loss := "-"
		if r.Epochs > 0 {
			loss = fmt.Sprintf("%.4f", r.LastLoss)
		}
		fmt.Fprintf(w, "%-10s %s%-10s%s %-12s %-19s %7d %10s %s\n",
			shortID(r.ID),
			p.statusColor(r.Status), r.Status, p.reset,
			r.Stamp,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Epochs,
			loss,
			r.Corpus)
	}
	return nil
}

type runDetail struct {
	Run         runlog.Run          `json:"run"`
	Epochs      []runlog.Epoch      `json:"epochs"`
	Checkpoints []runlog.Checkpoint `json:"checkpoints"`
	Samples     []runlog.Sample     `json:"samples"`
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	ledger, err := openLedgerForRead(cmd)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := cmd.Context()
	run, err := ledger.FindRun(ctx, args[0])
	if err != nil {
		return err
	}
	detail := runDetail{Run: run}
	if detail.Epochs, err = ledger.Epochs(ctx, run.ID); err != nil {
		return err
	}
	if detail.Checkpoints, err = ledger.Checkpoints(ctx, run.ID); err != nil {
		return err
	}
	if detail.Samples, err = ledger.Samples(ctx, run.ID); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if runsJSON {
		return writeJSON(w, detail)
	}
	printRunDetail(w, newPalette(w), detail)
	return nil
}

func printRunDetail(w io.Writer, p palette, d runDetail) {
	r := d.Run
	p.header(w, "Run "+r.ID)
	fmt.Fprintf(w, "%s%-13s%s %s%s%s\n", p.gray, "Status:", p.reset, p.statusColor(r.Status), r.Status, p.reset)
	p.field(w, "Stamp", r.Stamp)
	p.field(w, "Corpus", r.Corpus)
	p.field(w, "Started", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if !r.EndedAt.IsZero() {
		p.field(w, "Duration", formatDuration(r.EndedAt.Sub(r.StartedAt)))
	}
	p.field(w, "Characters", r.Characters)
	p.field(w, "Vocabulary", r.VocabSize)
	p.field(w, "Windows", r.Windows)

	if len(d.Epochs) > 0 {
		fmt.Fprintf(w, "\n%sEpochs%s\n", p.bold, p.reset)
		for _, e := range d.Epochs {
			val := "-"
			if e.HasVal {
				val = fmt.Sprintf("%.4f", e.ValLoss)
			}
			fmt.Fprintf(w, "  %5d  loss %.4f  val %s  %s%s%s\n",
				e.Epoch, e.Loss, val, p.gray, formatDuration(e.Duration), p.reset)
		}
	}

	if len(d.Checkpoints) > 0 {
		fmt.Fprintf(w, "\n%sCheckpoints%s\n", p.bold, p.reset)
		for _, c := range d.Checkpoints {
			if c.Error != "" {
				fmt.Fprintf(w, "  %5d  %sfailed: %s%s\n", c.Epoch, p.red, c.Error, p.reset)
				continue
			}
			fmt.Fprintf(w, "  %5d  %s\n", c.Epoch, c.Path)
		}
	}

	for _, s := range d.Samples {
		fmt.Fprintf(w, "\n%sSample%s %sepoch %d, temperature %.2f%s\n",
			p.bold, p.reset, p.gray, s.Epoch, s.Temperature, p.reset)
		fmt.Fprintf(w, "%s%s%s%s\n", p.cyan, s.Seed, p.reset, s.Text)
	}
}

func runRunsRm(cmd *cobra.Command, args []string) error {
	ledger, err := openLedgerForRead(cmd)
	if err != nil {
		return err
	}
	defer ledger.Close()

	run, err := ledger.FindRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := ledger.DeleteRun(cmd.Context(), run.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", run.ID)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (p palette) statusColor(status string) string {
	switch status {
	case runlog.StatusCompleted:
		return p.green
	case runlog.StatusCancelled:
		return p.yellow
	case runlog.StatusFailed:
		return p.red
	}
	return p.cyan
}
