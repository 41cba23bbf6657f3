// Package resolve turns face detections into person identities.
//
// For every detection the pipeline obtains an embedding, looks for an
// existing identity in the store's committed state, and applies the
// confidence-gated policy: only detections at or above HighConfidence may
// create an identity or grow an existing one. Everything else is reported
// but leaves the store untouched.
package resolve

import (
	"context"
	"image"
	"sync"

	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/andresmejia3/facetag/internal/match"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HighConfidence gates every store mutation. It is deliberately separate
// from the caller's match threshold: low-quality crops must not drift an
// identity's signature even when they match it.
const HighConfidence = 0.90

// Embedder maps a face crop to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
}

// Stats counts what the pipeline did across all Resolve calls.
type Stats struct {
	Detections    int
	EmbedFailures int
	Matched       int
	Appended      int
	Created       int
	Ephemeral     int
}

// Pipeline resolves detections against one store. It is safe for concurrent
// use: the match-then-mutate step of each detection runs under a single
// lock, so two callers cannot both miss and create the same new person.
type Pipeline struct {
	store   store.Store
	log     *zap.Logger
	workers int
	newID   func() uuid.UUID

	mu    sync.Mutex
	stats Stats
}

type Option func(*Pipeline)

// WithEmbedWorkers embeds up to n detections of a batch concurrently before
// matching them in input order.
func WithEmbedWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func New(s store.Store, log *zap.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{store: s, log: log, workers: 1, newID: uuid.New}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Resolve processes detections in order and returns one result per
// detection whose embedding succeeded. Embedding failures are logged and
// skipped; store failures abort the batch.
func (p *Pipeline) Resolve(ctx context.Context, detections []types.Detection, embedder Embedder, threshold float64) ([]types.DetectedFace, error) {
	embed := func(i int) ([]float32, error) {
		return embedder.Embed(ctx, detections[i].Crop)
	}
	if p.workers > 1 && len(detections) > 1 {
		vecs, embedErrs, err := p.embedAll(ctx, detections, embedder)
		if err != nil {
			return nil, err
		}
		embed = func(i int) ([]float32, error) { return vecs[i], embedErrs[i] }
	}

	results := make([]types.DetectedFace, 0, len(detections))
	for i, det := range detections {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		vec, err := embed(i)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, ctxErr
			}
			p.recordEmbedFailure(det, err)
			continue
		}

		personID, err := p.resolveOne(ctx, det, vec, threshold)
		if err != nil {
			return results, err
		}

		results = append(results, types.DetectedFace{
			ImagePath:   det.ImagePath,
			PersonID:    personID,
			Confidence:  det.Confidence,
			BoundingBox: det.BoundingBox,
		})
	}
	return results, nil
}

// embedAll runs the embedder over every detection with bounded parallelism.
// Per-detection errors are kept per slot; only cancellation fails the batch.
func (p *Pipeline) embedAll(ctx context.Context, detections []types.Detection, embedder Embedder) ([][]float32, []error, error) {
	vecs := make([][]float32, len(detections))
	embedErrs := make([]error, len(detections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range detections {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				embedErrs[i] = err
				return nil
			}
			vecs[i], embedErrs[i] = embedder.Embed(gctx, detections[i].Crop)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return vecs, embedErrs, nil
}

func (p *Pipeline) recordEmbedFailure(det types.Detection, err error) {
	p.mu.Lock()
	p.stats.Detections++
	p.stats.EmbedFailures++
	p.mu.Unlock()

	err = errs.Wrap(err, errs.CodeCollaboratorEmbed, "generating embedding", errs.FieldPath(det.ImagePath))
	p.log.Warn("Embedding failed",
		zap.String("image", det.ImagePath),
		zap.Float64("confidence", det.Confidence),
		zap.Error(err))
}

// resolveOne is the critical section: read committed state, decide, mutate.
func (p *Pipeline) resolveOne(ctx context.Context, det types.Detection, vec []float32, threshold float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Detections++

	identities, err := p.store.ScanAll(ctx)
	if err != nil {
		return "", storeErr(err, "scanning identities")
	}

	if matched, ok := match.FindMatch(identities, vec, threshold); ok {
		p.stats.Matched++
		p.log.Info("Matched existing person",
			zap.String("person_id", matched.ID.String()),
			zap.String("image", det.ImagePath),
			zap.Float64("best_score", match.BestScore(*matched, vec)),
			zap.Float64("confidence", det.Confidence))

		// Only grow the profile from high quality detections to prevent feature drift
		if det.Confidence >= HighConfidence {
			if err := p.store.AppendEmbedding(ctx, matched.ID, vec); err != nil {
				return "", storeErr(err, "appending embedding")
			}
			p.stats.Appended++
		}
		return matched.ID.String(), nil
	}

	id := p.newID()
	if det.Confidence < HighConfidence {
		p.stats.Ephemeral++
		p.log.Info("Low-confidence face, not saving but assigning temp ID",
			zap.String("person_id", id.String()),
			zap.String("image", det.ImagePath),
			zap.Float64("confidence", det.Confidence))
		return id.String(), nil
	}

	if err := p.store.Put(ctx, store.Identity{ID: id, Embeddings: [][]float32{vec}}); err != nil {
		return "", storeErr(err, "creating identity")
	}
	p.stats.Created++
	p.log.Info("New person created",
		zap.String("person_id", id.String()),
		zap.String("image", det.ImagePath),
		zap.Float64("confidence", det.Confidence))
	return id.String(), nil
}

// storeErr makes sure foreign Store implementations still surface as
// store failures.
func storeErr(err error, msg string) error {
	if errs.CodeOf(err) != "" {
		return err
	}
	return errs.Wrap(err, errs.CodeStoreDatabase, msg)
}
