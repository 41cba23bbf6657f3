package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/andresmejia3/facetag/internal/match"
	"github.com/andresmejia3/facetag/internal/resolve"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/tagger"
	"github.com/andresmejia3/facetag/internal/utils"
	"github.com/andresmejia3/facetag/internal/worker"
	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Look up the person in a photo without changing the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	addModelFlags(findCmd)
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string) error {
	img, err := utils.LoadImage(imagePath)
	if err != nil {
		return report("Failed to read image file", err, nil)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	detector, err := worker.NewDetectWorker(ctx, 0, workerConfig(Cfg.Detector.Model))
	if err != nil {
		return report("Failed to start face detector", err, nil)
	}
	defer detector.Close()

	// We use ID 0 for this ad-hoc worker
	embedder, err := worker.NewEmbedWorker(ctx, 0, workerConfig(Cfg.Embedder.Model))
	if err != nil {
		return report("Failed to start embedding engine", err, nil)
	}
	defer embedder.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	return findPerson(ctx, os.Stdout, img, detector, embedder, DB, Cfg.Match.Threshold)
}

// findPerson embeds the largest face in img and reports the first identity
// that matches it. It only reads from db.
func findPerson(ctx context.Context, w io.Writer, img image.Image, detector tagger.Detector, embedder resolve.Embedder, db store.Store, threshold float64) error {
	faces, err := detector.Detect(ctx, img)
	if err != nil {
		return report("AI processing failed", err, nil)
	}

	if len(faces) == 0 {
		fmt.Fprintln(w, "❌ No faces detected in the provided image.")
		return nil
	}

	// Pick largest face if multiple
	bestFace := faces[0]
	if len(faces) > 1 {
		fmt.Fprintf(w, "⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
		maxArea := bestFace.Box.Width * bestFace.Box.Height
		for _, f := range faces[1:] {
			if area := f.Box.Width * f.Box.Height; area > maxArea {
				maxArea = area
				bestFace = f
			}
		}
	}

	crop := utils.CropFace(img, bestFace.Box.Rect())
	if crop.Bounds().Empty() {
		fmt.Fprintln(w, "❌ Detected face lies outside the image.")
		return nil
	}

	vec, err := embedder.Embed(ctx, crop)
	if err != nil {
		return report("Failed to generate embedding", errs.Wrap(err, errs.CodeCollaboratorEmbed, "embedding query face"), nil)
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching store...")
	identities, err := db.ScanAll(ctx)
	if err != nil {
		return report("Store search failed", err, nil)
	}

	matched, ok := match.FindMatch(identities, vec, threshold)
	if !ok {
		fmt.Fprintln(w, "❌ No match found in store.")
		return nil
	}

	fmt.Fprintf(w, "✅ Found Match: %s (best score %.3f, %d faces on record)\n",
		matched.ID, match.BestScore(*matched, vec), len(matched.Embeddings))
	return nil
}
