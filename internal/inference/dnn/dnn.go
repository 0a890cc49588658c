// Package dnn runs a YOLOv8 ONNX export through the OpenCV DNN module.
package dnn

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/aquamans/pondwatch/internal/inference"
	"github.com/aquamans/pondwatch/pkg/config"
)

var backends = map[string]gocv.NetBackendType{
	"default":  gocv.NetBackendDefault,
	"openvino": gocv.NetBackendOpenVINO,
	"cuda":     gocv.NetBackendCUDA,
}

var targets = map[string]gocv.NetTargetType{
	"cpu":  gocv.NetTargetCPU,
	"cuda": gocv.NetTargetCUDA,
}

// Detector holds a loaded network. Detect is serialized; the net is not
// safe for concurrent forward passes.
type Detector struct {
	net       gocv.Net
	labels    []string
	inputSize int
	minScore  float32
	nms       float32
	mu        sync.Mutex
}

// Load reads the model at cfg.Path
func Load(cfg config.ModelConfig) (*Detector, error) {
	net := gocv.ReadNet(cfg.Path, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load model %s", cfg.Path)
	}

	if b, ok := backends[cfg.Backend]; ok {
		net.SetPreferableBackend(b)
	}
	if t, ok := targets[cfg.Target]; ok {
		net.SetPreferableTarget(t)
	}

	size := cfg.InputSize
	if size <= 0 {
		size = 640
	}

	return &Detector{
		net:       net,
		labels:    cfg.Labels,
		inputSize: size,
		minScore:  float32(cfg.ConfidenceThreshold),
		nms:       float32(cfg.NMSThreshold),
	}, nil
}

// Detect implements inference.Detector
func (d *Detector) Detect(img image.Image) ([]inference.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(d.inputSize, d.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}

	bounds := img.Bounds()
	scaleX := float64(bounds.Dx()) / float64(d.inputSize)
	scaleY := float64(bounds.Dy()) / float64(d.inputSize)

	cands, err := inference.DecodeYOLOv8(data, dims[1]-4, dims[2], scaleX, scaleY, d.minScore, bounds)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, nil
	}

	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i] = c.Box
		scores[i] = c.Score
	}

	indices := gocv.NMSBoxes(boxes, scores, d.minScore, d.nms)
	dets := make([]inference.Detection, 0, len(indices))
	for _, idx := range indices {
		c := cands[idx]
		dets = append(dets, inference.Detection{
			ClassID:    c.ClassID,
			Label:      inference.LabelFor(d.labels, c.ClassID),
			Confidence: c.Score,
			Box:        c.Box,
		})
	}
	return dets, nil
}

// Close releases the network
func (d *Detector) Close() error {
	return d.net.Close()
}
