package inference

import (
	"errors"
	"fmt"
	"image"

	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/capture"
)

const (
	DefaultConfidenceThreshold = 0.25
	DefaultNMSThreshold        = 0.5
	DefaultMinBoxSide          = 20
)

// StageConfig holds the per-frame filtering parameters
type StageConfig struct {
	ConfidenceThreshold float32
	MinBoxSide          int
	DeadLabel           string
}

// Result is the outcome of one frame. It is discarded after publishing.
type Result struct {
	Seq        uint64
	Detections []Detection
	Live       int
	Dead       int
	Annotated  *image.RGBA
	Err        error
}

// Stage runs the detector on each frame, filters and counts detections, and
// draws the annotated frame.
type Stage struct {
	detector Detector
	cfg      StageConfig
	log      zerolog.Logger
}

// NewStage creates an inference stage. A nil detector is allowed; every
// frame then passes through with zero counts.
func NewStage(detector Detector, cfg StageConfig, log zerolog.Logger) *Stage {
	if cfg.DeadLabel == "" {
		cfg.DeadLabel = LabelDeadCatfish
	}
	return &Stage{
		detector: detector,
		cfg:      cfg,
		log:      log.With().Str("component", "inference").Logger(),
	}
}

var errNoModel = errors.New("no model loaded")

// Process runs one frame through the model. It never fails: model errors
// and panics yield the original frame with zero counts and Result.Err set.
func (s *Stage) Process(frame *capture.Frame) Result {
	dets, err := s.detect(frame.Image)
	if err != nil {
		ierr := &InferenceError{Seq: frame.Seq, Err: err}
		s.log.Error().Err(err).Uint64("seq", frame.Seq).Msg("inference failed, passing frame through")
		return Result{Seq: frame.Seq, Annotated: frame.Image, Err: ierr}
	}

	kept := Filter(dets, s.cfg.ConfidenceThreshold, s.cfg.MinBoxSide)
	live, dead := Count(kept, s.cfg.DeadLabel)

	return Result{
		Seq:        frame.Seq,
		Detections: kept,
		Live:       live,
		Dead:       dead,
		Annotated:  Annotate(frame.Image, kept, s.cfg.DeadLabel, live, dead, frame.Timestamp),
	}
}

func (s *Stage) detect(img *image.RGBA) (dets []Detection, err error) {
	if s.detector == nil {
		return nil, errNoModel
	}
	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return s.detector.Detect(img)
}
