package inference

import (
	"fmt"
	"image"
	"math"
)

// Candidate is a raw model proposal before non-maximum suppression
type Candidate struct {
	ClassID int
	Score   float32
	Box     image.Rectangle
}

// DecodeYOLOv8 decodes a YOLOv8 output tensor of shape [1, 4+numClasses, numBoxes]
// laid out row-major. Box rows are cx, cy, w, h in model input pixels; they are
// scaled by scaleX/scaleY and clamped to bounds. Proposals whose best class
// score is below minScore are dropped.
func DecodeYOLOv8(data []float32, numClasses, numBoxes int, scaleX, scaleY float64, minScore float32, bounds image.Rectangle) ([]Candidate, error) {
	if numClasses < 1 || numBoxes < 0 {
		return nil, fmt.Errorf("invalid tensor geometry: %d classes, %d boxes", numClasses, numBoxes)
	}
	if want := (4 + numClasses) * numBoxes; len(data) < want {
		return nil, fmt.Errorf("output tensor has %d values, want %d", len(data), want)
	}

	at := func(row, col int) float32 { return data[row*numBoxes+col] }

	var out []Candidate
	for i := 0; i < numBoxes; i++ {
		best, bestScore := 0, float32(-1)
		for c := 0; c < numClasses; c++ {
			if s := at(4+c, i); s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore < minScore {
			continue
		}

		cx, cy := float64(at(0, i))*scaleX, float64(at(1, i))*scaleY
		w, h := float64(at(2, i))*scaleX, float64(at(3, i))*scaleY
		box := image.Rect(
			int(math.Round(cx-w/2)), int(math.Round(cy-h/2)),
			int(math.Round(cx+w/2)), int(math.Round(cy+h/2)),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}

		out = append(out, Candidate{ClassID: best, Score: bestScore, Box: box})
	}
	return out, nil
}

// LabelFor returns the label for a class id, or "class_<id>" when unknown.
func LabelFor(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) {
		return labels[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}
