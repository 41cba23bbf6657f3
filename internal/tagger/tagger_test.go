package tagger

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/facetag/internal/errs"
	"github.com/andresmejia3/facetag/internal/resolve"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSolidPNG writes a w x 20 image filled with one red level. The red
// level stands in for "who is in the photo".
func writeSolidPNG(t *testing.T, path string, w int, red uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, 20))
	for x := 0; x < w; x++ {
		for y := 0; y < 20; y++ {
			img.Set(x, y, color.RGBA{red, 0, 0, 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// fakeDetector returns faces by image width.
type fakeDetector struct {
	faces map[int][]worker.Face
	err   error
}

func (d *fakeDetector) Detect(_ context.Context, img image.Image) ([]worker.Face, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.faces[img.Bounds().Dx()], nil
}

// colorEmbedder maps the crop's red level to a vector.
type colorEmbedder struct {
	vecs map[uint8][]float32
}

func (e *colorEmbedder) Embed(_ context.Context, crop image.Image) ([]float32, error) {
	b := crop.Bounds()
	r, _, _, _ := crop.At(b.Min.X, b.Min.Y).RGBA()
	vec, ok := e.vecs[uint8(r>>8)]
	if !ok {
		return nil, fmt.Errorf("unknown face %d", r>>8)
	}
	return vec, nil
}

func face(x, y, w, h int, conf float64) worker.Face {
	return worker.Face{Box: types.BoundingBox{X: x, Y: y, Width: w, Height: h}, Confidence: conf}
}

func setup(t *testing.T) (string, store.Store, *fakeDetector, *colorEmbedder) {
	t.Helper()
	dir := t.TempDir()
	writeSolidPNG(t, filepath.Join(dir, "a.png"), 10, 10)
	writeSolidPNG(t, filepath.Join(dir, "b.png"), 11, 10)
	writeSolidPNG(t, filepath.Join(dir, "c.png"), 12, 200)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shout.PNG"), []byte("ignored by extension"), 0o644))

	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "faces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	det := &fakeDetector{faces: map[int][]worker.Face{
		10: {face(1, 1, 5, 5, 0.97)},
		11: {face(-3, -3, 6, 6, 0.95)},
		12: {face(2, 2, 5, 5, 0.93), face(50, 50, 5, 5, 0.99)},
	}}
	emb := &colorEmbedder{vecs: map[uint8][]float32{
		10:  {1, 0, 0},
		200: {0, 1, 0},
	}}
	return dir, s, det, emb
}

func TestRun_TagsDirectory(t *testing.T) {
	ctx := context.Background()
	dir, s, det, emb := setup(t)

	bar := progressbar.NewOptions(-1, progressbar.OptionSetWriter(io.Discard))
	pipeline := resolve.New(s, nil)
	results, err := Run(ctx, dir, det, pipeline, emb, 0.65, WithProgress(bar))
	require.NoError(t, err)

	// c.png's second face lies outside the image and is skipped
	require.Len(t, results, 3)
	assert.Equal(t, filepath.Join(dir, "a.png"), results[0].ImagePath)
	assert.Equal(t, filepath.Join(dir, "b.png"), results[1].ImagePath)
	assert.Equal(t, filepath.Join(dir, "c.png"), results[2].ImagePath)

	assert.Equal(t, results[0].PersonID, results[1].PersonID)
	assert.NotEqual(t, results[0].PersonID, results[2].PersonID)

	// The reported box is the detector's, not the clamped crop
	assert.Equal(t, types.BoundingBox{X: -3, Y: -3, Width: 6, Height: 6}, results[1].BoundingBox)
	assert.InDelta(t, 0.95, results[1].Confidence, 1e-9)

	identities, err := s.ScanAll(ctx)
	require.NoError(t, err)
	require.Len(t, identities, 2)

	stats := pipeline.Stats()
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 1, stats.Appended)
	assert.Equal(t, 3, bar.GetMax())
}

func TestRun_EmptyDirectory(t *testing.T) {
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "faces.db"))
	require.NoError(t, err)
	defer s.Close()

	results, err := Run(context.Background(), t.TempDir(), &fakeDetector{}, resolve.New(s, nil), &colorEmbedder{}, 0.65)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRun_DetectorFailureAborts(t *testing.T) {
	dir, s, det, emb := setup(t)
	det.err = errors.New("onnx runtime crashed")

	_, err := Run(context.Background(), dir, det, resolve.New(s, nil), emb, 0.65)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeCollaboratorCall))
}

func TestRun_UnreadableImageAborts(t *testing.T) {
	dir, s, det, emb := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0_corrupt.jpg"), []byte("garbage"), 0o644))

	results, err := Run(context.Background(), dir, det, resolve.New(s, nil), emb, 0.65)
	require.Error(t, err)
	assert.True(t, errs.IsIO(err))
	assert.Empty(t, results)
}

func TestRun_MissingDirectory(t *testing.T) {
	_, err := Run(context.Background(), filepath.Join(t.TempDir(), "gone"), &fakeDetector{}, nil, &colorEmbedder{}, 0.65)
	require.Error(t, err)
	assert.True(t, errs.IsIO(err))
}

func TestRun_CancelledBetweenImages(t *testing.T) {
	dir, s, det, emb := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, dir, det, resolve.New(s, nil), emb, 0.65)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOptionsValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.png")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	valid := Options{
		ImagesDir:          dir,
		StorePath:          filepath.Join(dir, "faces.db"),
		Threshold:          0.65,
		DetectionThreshold: 0.5,
		Engines:            1,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"ZeroThreshold", func(o *Options) { o.Threshold = 0 }},
		{"ThresholdAboveOne", func(o *Options) { o.Threshold = 1.01 }},
		{"NegativeDetectionThreshold", func(o *Options) { o.DetectionThreshold = -1 }},
		{"EmptyStore", func(o *Options) { o.StorePath = " " }},
		{"NoEngines", func(o *Options) { o.Engines = 0 }},
		{"EmptyDir", func(o *Options) { o.ImagesDir = "" }},
		{"MissingDir", func(o *Options) { o.ImagesDir = filepath.Join(dir, "nope") }},
		{"NotADir", func(o *Options) { o.ImagesDir = file }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			err := opts.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsConfig(err))
		})
	}
}

func TestProcessImagesAndTag_ConfigErrorBeforeWorkers(t *testing.T) {
	_, err := ProcessImagesAndTag(context.Background(), Options{
		ImagesDir: t.TempDir(),
		StorePath: "faces.db",
		Threshold: 2,
		Engines:   1,
		// A python that does not exist proves workers were never started
		Python: "/nonexistent/python",
	})
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
}

func TestProcessImagesAndTag_CollaboratorInitFailure(t *testing.T) {
	_, err := ProcessImagesAndTag(context.Background(), Options{
		ImagesDir:          t.TempDir(),
		StorePath:          filepath.Join(t.TempDir(), "faces.db"),
		Threshold:          0.65,
		DetectionThreshold: 0.5,
		Engines:            1,
		Python:             "/nonexistent/python",
		Script:             "worker.py",
	})
	require.Error(t, err)
	assert.True(t, errs.IsCollaboratorInit(err))
}
