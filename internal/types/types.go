package types

import "image"

// BoundingBox locates a face in source-image pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Detection is one face handed to the resolver: the crop to embed plus the
// metadata echoed back in the result.
type Detection struct {
	ImagePath   string
	Crop        image.Image
	BoundingBox BoundingBox
	Confidence  float64
}

// DetectedFace is the per-detection output of a resolve run.
// PersonID is either a stored identity id or an ephemeral id that was
// never persisted (low-confidence faces that matched nobody).
type DetectedFace struct {
	ImagePath   string      `json:"image_path"`
	PersonID    string      `json:"person_id"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bbox"`
}
