package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/facetag/internal/config"
	"github.com/andresmejia3/facetag/internal/resolve"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/tagger"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ScanOptions holds the scan-only flags. Model and threshold settings come
// from Cfg so they can also be set through the config file or environment.
type ScanOptions struct {
	InputDir string
	JSON     bool
}

var scanOpts ScanOptions

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Tag every face in a directory of photos",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputDir, "input", "i", "", "Directory of images (jpg, jpeg, png, webp)")
	scanCmd.Flags().BoolVar(&scanOpts.JSON, "json", false, "Print results as JSON instead of a table")
	addModelFlags(scanCmd)
	scanCmd.Flags().IntP("engines", "e", config.Defaults["worker.engines"].(int), "Number of parallel embedding engines")

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// addModelFlags registers the flags shared by every command that runs the models.
func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().Float64P("threshold", "t", config.Defaults["match.threshold"].(float64), "Face matching threshold (cosine similarity, higher is stricter)")
	cmd.Flags().Float64P("detection-threshold", "D", config.Defaults["detector.threshold"].(float64), "Face detection confidence threshold")
	cmd.Flags().String("detector-model", config.Defaults["detector.model"].(string), "Path to the face detection model")
	cmd.Flags().String("embedder-model", config.Defaults["embedder.model"].(string), "Path to the face embedding model")
	cmd.Flags().String("python", config.Defaults["worker.python"].(string), "Python interpreter for the model workers")
	cmd.Flags().String("script", config.Defaults["worker.script"].(string), "Model worker script")
}

func workerConfig(model string) worker.Config {
	return worker.Config{
		Python:             Cfg.Worker.Python,
		Script:             Cfg.Worker.Script,
		Model:              model,
		DetectionThreshold: Cfg.Detector.Threshold,
	}
}

// runScan starts the model workers, tags the directory against DB and
// prints the results followed by a summary.
func runScan(ctx context.Context, opts ScanOptions) error {
	// Reuse the batch validation so CLI and library reject the same input
	check := tagger.Options{
		ImagesDir:          opts.InputDir,
		StorePath:          Cfg.Store.Path,
		Threshold:          Cfg.Match.Threshold,
		DetectionThreshold: Cfg.Detector.Threshold,
		Engines:            Cfg.Worker.Engines,
	}
	if err := check.Validate(); err != nil {
		return report("Invalid scan options", err, nil)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	detector, err := worker.NewDetectWorker(ctx, 0, workerConfig(Cfg.Detector.Model))
	if err != nil {
		return report("Failed to start face detector", err, nil)
	}
	defer detector.Close()

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Embedding Engines...\n", Cfg.Worker.Engines)
	pool, err := worker.NewEmbedPool(ctx, Cfg.Worker.Engines, workerConfig(Cfg.Embedder.Model))
	if err != nil {
		return report("Failed to start embedding engines", err, nil)
	}
	defer pool.Close()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🔍 Tagging"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	pipeline := resolve.New(DB, Log, resolve.WithEmbedWorkers(Cfg.Worker.Engines))
	results, err := tagger.Run(ctx, opts.InputDir, detector, pipeline, pool, Cfg.Match.Threshold,
		tagger.WithLogger(Log), tagger.WithProgress(bar))
	_ = bar.Finish()
	if err != nil {
		// DRAIN: Wait for the detector to exit so its stderr logs are complete
		detector.Close()
		return report("Scan failed", err, detector.Cmd)
	}

	if opts.JSON {
		if err := printJSON(os.Stdout, results); err != nil {
			return report("Failed to write results", err, nil)
		}
	} else {
		printTable(os.Stdout, results)
	}

	printSummary(ctx, os.Stderr, pipeline.Stats(), len(results), DB)
	return nil
}

func printJSON(w io.Writer, results []types.DetectedFace) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func printTable(w io.Writer, results []types.DetectedFace) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No faces found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tPERSON\tCONFIDENCE\tBOX")
	fmt.Fprintln(tw, "-----\t------\t----------\t---")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d,%d %dx%d\n",
			filepath.Base(r.ImagePath),
			r.PersonID,
			r.Confidence,
			r.BoundingBox.X, r.BoundingBox.Y, r.BoundingBox.Width, r.BoundingBox.Height,
		)
	}
	tw.Flush()
}

func printSummary(ctx context.Context, w io.Writer, stats resolve.Stats, tagged int, db store.Store) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SCAN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "👁️  Total Face Detections:   %d\n", stats.Detections)
	fmt.Fprintf(w, "🏷️  Tagged Faces:            %d\n", tagged)
	fmt.Fprintf(w, "🆕 New Identities:          %d\n", stats.Created)
	fmt.Fprintf(w, "🔗 Matched Existing:        %d (%d embeddings added)\n", stats.Matched, stats.Appended)
	fmt.Fprintf(w, "👻 Temporary IDs:           %d\n", stats.Ephemeral)
	if stats.EmbedFailures > 0 {
		fmt.Fprintf(w, "⚠️  Embedding Failures:      %d\n", stats.EmbedFailures)
	}
	if db != nil {
		if n, err := db.Count(ctx); err == nil {
			fmt.Fprintf(w, "🗄️  Identities In Store:     %d\n", n)
		} else {
			Log.Warn("Failed to count identities", zap.Error(err))
		}
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}
