package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/adalundhe/docmaker/core/checkpoint"
	"github.com/adalundhe/docmaker/core/corpus"
	"github.com/adalundhe/docmaker/core/vectorize"
	"github.com/adalundhe/docmaker/core/vocab"
	"github.com/spf13/cobra"
)

var (
	inspectJSON          bool
	inspectDataDir       string
	inspectTrainFile     string
	inspectLines         int
	inspectCheckpointDir string
	inspectStamp         string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show corpus or checkpoint details",
}

var inspectCorpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Show corpus statistics and vocabulary",
	Long: `Read the corpus exactly as training would and report its line count,
character count, vocabulary and the number of training windows.`,
	RunE: runInspectCorpus,
}

var inspectCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Show a checkpoint manifest",
	RunE:  runInspectCheckpoint,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectCorpusCmd)
	inspectCmd.AddCommand(inspectCheckpointCmd)

	inspectCmd.PersistentFlags().BoolVar(&inspectJSON, "json", false, "Output as JSON")

	inspectCorpusCmd.Flags().StringVar(&inspectDataDir, "data-dir", "", "Corpus directory")
	inspectCorpusCmd.Flags().StringVar(&inspectTrainFile, "train-file", "", "Corpus file name or glob pattern")
	inspectCorpusCmd.Flags().IntVar(&inspectLines, "lines", 0, "Line cap; negative reads the whole corpus")

	inspectCheckpointCmd.Flags().StringVar(&inspectCheckpointDir, "checkpoint-dir", "", "Checkpoint directory")
	inspectCheckpointCmd.Flags().StringVar(&inspectStamp, "stamp", "", "Checkpoint name")
}

type corpusReport struct {
	Files      []string `json:"files"`
	Lines      int      `json:"lines"`
	Characters int      `json:"characters"`
	VocabSize  int      `json:"vocab_size"`
	Windows    int      `json:"windows"`
	SeqLen     int      `json:"seq_len"`
	Skip       int      `json:"skip"`
	Vocabulary string   `json:"vocabulary"`
}

func runInspectCorpus(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer mgr.Close()

	f := cmd.Flags()
	cfg := mgr.Get().Clone()
	if f.Changed("data-dir") {
		cfg.Data.Dir = inspectDataDir
	}
	if f.Changed("train-file") {
		cfg.Data.TrainFile = inspectTrainFile
	}
	if f.Changed("lines") {
		cfg.Data.LinesToRead = inspectLines
	}

	reader, err := corpus.Resolve(cfg.Data.Dir, cfg.Data.TrainFile)
	if err != nil {
		return err
	}
	vec, err := vectorize.New(vectorize.Options{
		LinesToRead: cfg.Data.LinesToRead,
		SeqLen:      cfg.Vectorize.MaxSequenceLength,
		Skip:        cfg.Vectorize.Skip,
		Logger:      slog.Default(),
	})
	if err != nil {
		return err
	}
	stats, voc, err := vec.Stats(reader.Lines())
	if err != nil {
		return err
	}

	report := corpusReport{
		Files:      reader.Paths(),
		Lines:      stats.Lines,
		Characters: stats.Characters,
		VocabSize:  stats.VocabSize,
		Windows:    stats.Windows,
		SeqLen:     cfg.Vectorize.MaxSequenceLength,
		Skip:       cfg.Vectorize.Skip,
		Vocabulary: string(voc.Runes()),
	}

	w := cmd.OutOrStdout()
	if inspectJSON {
		return writeJSON(w, report)
	}

	p := newPalette(w)
	p.header(w, "Corpus")
	p.field(w, "Files", strings.Join(report.Files, ", "))
	p.field(w, "Lines", report.Lines)
	p.field(w, "Characters", report.Characters)
	p.field(w, "Vocabulary", report.VocabSize)
	p.field(w, "Window", fmt.Sprintf("%d (skip %d)", report.SeqLen, report.Skip))
	p.field(w, "Windows", report.Windows)
	if report.Windows == 0 {
		fmt.Fprintf(w, "%sCorpus is too short for a single training window%s\n", p.yellow, p.reset)
	}
	fmt.Fprintln(w)
	printVocabulary(w, p, voc)
	return nil
}

func printVocabulary(w io.Writer, p palette, voc *vocab.Vocabulary) {
	cells := make([]string, 0, voc.Size())
	for _, r := range voc.Runes() {
		cells = append(cells, printable(r))
	}
	fmt.Fprintf(w, "%s%s\n", p.gray+"Runes:"+p.reset+" ", strings.Join(cells, " "))
}

func runInspectCheckpoint(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer mgr.Close()

	cfg := mgr.Get().Clone()
	if cmd.Flags().Changed("checkpoint-dir") {
		cfg.Checkpoint.Dir = inspectCheckpointDir
	}
	if cmd.Flags().Changed("stamp") {
		cfg.Checkpoint.Stamp = inspectStamp
	}

	manifest, voc, err := checkpoint.ReadManifest(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if inspectJSON {
		return writeJSON(w, manifest)
	}

	arch := manifest.Architecture
	mp, wp := checkpoint.Paths(cfg.Checkpoint.Dir, cfg.Checkpoint.Stamp)
	p := newPalette(w)
	p.header(w, "Checkpoint "+manifest.Stamp)
	p.field(w, "Manifest", mp)
	p.field(w, "Weights", wp)
	p.field(w, "Epoch", manifest.Epoch)
	if !manifest.CreatedAt.IsZero() {
		p.field(w, "Created", manifest.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	p.field(w, "Window", arch.SeqLen)
	p.field(w, "Layers", fmt.Sprint(arch.Layers))
	p.field(w, "Dropout", arch.Dropout)
	p.field(w, "Vocabulary", arch.VocabSize)
	if len(manifest.Weights) == 0 {
		fmt.Fprintf(w, "%sNo weights saved yet%s\n", p.yellow, p.reset)
	}
	for _, ws := range manifest.Weights {
		fmt.Fprintf(w, "  %s%-26s%s %dx%d\n", p.gray, ws.Name, p.reset, ws.Rows, ws.Cols)
	}
	fmt.Fprintln(w)
	printVocabulary(w, p, voc)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
