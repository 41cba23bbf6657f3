// Package tagger runs a directory of photos through detection and identity
// resolution and collects one result per recognized face.
package tagger

import (
	"context"
	"image"
	"os"
	"strings"

	"github.com/andresmejia3/facetag/internal/config"
	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/andresmejia3/facetag/internal/resolve"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils"
	"github.com/andresmejia3/facetag/internal/worker"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Detector finds faces in a decoded image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]worker.Face, error)
}

// Options configures a full ProcessImagesAndTag run.
type Options struct {
	ImagesDir          string
	DetectorModel      string
	EmbedderModel      string
	StorePath          string
	Threshold          float64
	DetectionThreshold float64
	Engines            int
	Python             string
	Script             string
	Logger             *zap.Logger
	Progress           *progressbar.ProgressBar
}

// Validate reports the first invalid option as a config error.
func (o Options) Validate() error {
	if err := config.ValidateThreshold("threshold", o.Threshold); err != nil {
		return err
	}
	if err := config.ValidateThreshold("detection threshold", o.DetectionThreshold); err != nil {
		return err
	}
	if strings.TrimSpace(o.StorePath) == "" {
		return errs.New(errs.CodeConfigInvalid, "store path must not be empty")
	}
	if o.Engines < 1 {
		return errs.Errorf(errs.CodeConfigInvalid, "engines must be >= 1, got %d", o.Engines)
	}
	if strings.TrimSpace(o.ImagesDir) == "" {
		return errs.New(errs.CodeConfigInvalid, "images directory must not be empty")
	}
	info, err := os.Stat(o.ImagesDir)
	if err != nil {
		return errs.Wrap(err, errs.CodeConfigInvalid, "checking images directory", errs.FieldPath(o.ImagesDir))
	}
	if !info.IsDir() {
		return errs.New(errs.CodeConfigInvalid, "images path is not a directory", errs.FieldPath(o.ImagesDir))
	}
	return nil
}

// ProcessImagesAndTag is the one-call entry point: it validates opts, starts
// the model workers, opens the store and tags every image in the directory.
func ProcessImagesAndTag(ctx context.Context, opts Options) ([]types.DetectedFace, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	detector, err := worker.NewDetectWorker(ctx, 0, worker.Config{
		Python:             opts.Python,
		Script:             opts.Script,
		Model:              opts.DetectorModel,
		DetectionThreshold: opts.DetectionThreshold,
	})
	if err != nil {
		return nil, err
	}
	defer detector.Close()

	embedder, err := worker.NewEmbedPool(ctx, opts.Engines, worker.Config{
		Python: opts.Python,
		Script: opts.Script,
		Model:  opts.EmbedderModel,
	})
	if err != nil {
		return nil, err
	}
	defer embedder.Close()

	s, err := store.Open(ctx, opts.StorePath)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	pipeline := resolve.New(s, log, resolve.WithEmbedWorkers(opts.Engines))
	return Run(ctx, opts.ImagesDir, detector, pipeline, embedder, opts.Threshold,
		WithLogger(log), WithProgress(opts.Progress))
}

type runConfig struct {
	log *zap.Logger
	bar *progressbar.ProgressBar
}

type RunOption func(*runConfig)

func WithLogger(log *zap.Logger) RunOption {
	return func(c *runConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithProgress ticks bar once per image. A nil bar is ignored.
func WithProgress(bar *progressbar.ProgressBar) RunOption {
	return func(c *runConfig) { c.bar = bar }
}

// Run tags every image directly inside dir, in name order. Faces found in
// earlier images are visible as identities to later ones. Unreadable
// images and detector failures abort the run; a failed embedding only drops
// that face.
func Run(ctx context.Context, dir string, detector Detector, pipeline *resolve.Pipeline, embedder resolve.Embedder, threshold float64, opts ...RunOption) ([]types.DetectedFace, error) {
	cfg := runConfig{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	paths, err := utils.ListImages(dir)
	if err != nil {
		return nil, err
	}
	if cfg.bar != nil {
		cfg.bar.ChangeMax(len(paths))
	}
	cfg.log.Debug("Found images", zap.String("dir", dir), zap.Int("count", len(paths)))

	results := []types.DetectedFace{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		img, err := utils.LoadImage(path)
		if err != nil {
			return results, err
		}

		faces, err := detector.Detect(ctx, img)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, ctxErr
			}
			if errs.CodeOf(err) == "" {
				err = errs.Wrap(err, errs.CodeCollaboratorCall, "detecting faces", errs.FieldPath(path))
			}
			return results, err
		}

		detections := make([]types.Detection, 0, len(faces))
		for _, face := range faces {
			crop := utils.CropFace(img, face.Box.Rect())
			if crop.Bounds().Empty() {
				cfg.log.Warn("Skipping face outside image bounds",
					zap.String("image", path),
					zap.Any("bbox", face.Box))
				continue
			}
			detections = append(detections, types.Detection{
				ImagePath:   path,
				Crop:        crop,
				BoundingBox: face.Box,
				Confidence:  face.Confidence,
			})
		}

		tagged, err := pipeline.Resolve(ctx, detections, embedder, threshold)
		results = append(results, tagged...)
		if err != nil {
			return results, err
		}
		cfg.log.Debug("Processed image",
			zap.String("image", path),
			zap.Int("faces", len(faces)),
			zap.Int("tagged", len(tagged)))

		if cfg.bar != nil {
			_ = cfg.bar.Add(1)
		}
	}
	return results, nil
}
