package inference

import (
	"fmt"
	"image"
)

const (
	LabelCatfish     = "catfish"
	LabelDeadCatfish = "dead_catfish"
)

// Detection is one object found in a frame
type Detection struct {
	ClassID    int
	Label      string
	Confidence float32
	Box        image.Rectangle
}

// Detector runs the object-detection model on a single image
type Detector interface {
	Detect(img image.Image) ([]Detection, error)
}

// DetectorFunc adapts a function to Detector
type DetectorFunc func(img image.Image) ([]Detection, error)

func (f DetectorFunc) Detect(img image.Image) ([]Detection, error) {
	return f(img)
}

// InferenceError is a model failure on one frame. The frame is passed
// through unannotated.
type InferenceError struct {
	Seq uint64
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed on frame %d: %v", e.Seq, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Filter keeps detections at or above minConfidence whose box is at least
// minSide pixels in both dimensions. Filter(Filter(d)) == Filter(d).
func Filter(dets []Detection, minConfidence float32, minSide int) []Detection {
	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < minConfidence {
			continue
		}
		if d.Box.Dx() < minSide || d.Box.Dy() < minSide {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

// Count splits detections into live and dead by label
func Count(dets []Detection, deadLabel string) (live, dead int) {
	for _, d := range dets {
		if d.Label == deadLabel {
			dead++
		} else {
			live++
		}
	}
	return live, dead
}
