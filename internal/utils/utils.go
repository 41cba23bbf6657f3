package utils

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/facetag/internal/errs"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
// Cancelling ctx kills the process.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box to stderr, including the error code
// and any Python logs captured by s.
func ShowError(context string, err error, s *SafeCommand) {
	FprintError(os.Stderr, context, err, s)
}

func FprintError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 FACETAG ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
		if code := errs.CodeOf(err); code != "" {
			fmt.Fprintf(w, "CODE:    %s\n", code)
		}
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nPYTHON CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// --- 2. Image Files (Shared by Scan & Find) ---

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// IsImage reports whether name has a supported image extension.
// Matching is case-sensitive: "photo.JPG" is not picked up.
func IsImage(name string) bool {
	return imageExtensions[filepath.Ext(name)]
}

// ListImages returns the image files directly inside dir (no recursion),
// sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeIORead, "reading image directory", errs.FieldPath(dir))
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !IsImage(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadImage decodes a JPEG, PNG or WebP file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeIORead, "opening image", errs.FieldPath(path))
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeIORead, "decoding image", errs.FieldPath(path))
	}
	return img, nil
}

// CropFace copies the region r out of img. The region is clipped to the
// image bounds, so negative detector coordinates are clamped. The result
// starts at (0,0) and is empty when r lies outside the image.
func CropFace(img image.Image, r image.Rectangle) image.Image {
	r = r.Canon().Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	if r.Empty() {
		return dst
	}
	draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
	return dst
}
