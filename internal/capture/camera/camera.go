// Package camera opens capture devices through OpenCV.
package camera

import (
	"fmt"
	"image"
	"image/draw"
	"strings"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/aquamans/pondwatch/internal/capture"
	"github.com/aquamans/pondwatch/pkg/config"
)

var apis = map[string]gocv.VideoCaptureAPI{
	"any":       gocv.VideoCaptureAny,
	"v4l2":      gocv.VideoCaptureV4L2,
	"dshow":     gocv.VideoCaptureDshow,
	"msmf":      gocv.VideoCaptureMSMF,
	"gstreamer": gocv.VideoCaptureGstreamer,
	"ffmpeg":    gocv.VideoCaptureFFmpeg,
}

// Opener opens the configured camera, trying the preferred capture API
// first and falling back to whatever backend OpenCV picks.
type Opener struct {
	cfg config.CameraConfig
	log zerolog.Logger
}

// NewOpener creates an opener for cfg
func NewOpener(cfg config.CameraConfig, log zerolog.Logger) *Opener {
	return &Opener{cfg: cfg, log: log.With().Str("component", "camera").Logger()}
}

// Open implements capture.Opener
func (o *Opener) Open() (capture.Device, error) {
	api := strings.ToLower(o.cfg.API)
	vc, backend, err := o.openPreferred(api)
	if err != nil {
		o.log.Warn().Err(err).Str("api", api).Msg("preferred capture API failed, falling back")
		vc, err = gocv.OpenVideoCapture(o.cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", o.cfg.Source, err)
		}
		backend = "any"
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("device %s did not open", o.cfg.Source)
	}

	if o.cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(o.cfg.Width))
	}
	if o.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(o.cfg.Height))
	}
	if o.cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, o.cfg.FPS)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	cam := &Camera{
		vc:  vc,
		mat: gocv.NewMat(),
		info: capture.Info{
			Source:  o.cfg.Source,
			Backend: backend,
			Width:   int(vc.Get(gocv.VideoCaptureFrameWidth)),
			Height:  int(vc.Get(gocv.VideoCaptureFrameHeight)),
			FPS:     vc.Get(gocv.VideoCaptureFPS),
		},
	}
	return cam, nil
}

func (o *Opener) openPreferred(api string) (*gocv.VideoCapture, string, error) {
	pref, ok := apis[api]
	if !ok || pref == gocv.VideoCaptureAny {
		return nil, "", fmt.Errorf("no preferred capture API configured (%q)", api)
	}
	vc, err := gocv.OpenVideoCaptureWithAPI(o.cfg.Source, pref)
	if err != nil {
		return nil, "", err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, "", fmt.Errorf("device %s did not open with %s", o.cfg.Source, api)
	}
	return vc, api, nil
}

// Camera is an opened OpenCV capture device
type Camera struct {
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	info capture.Info
}

// Read grabs the next frame and converts it to RGBA
func (c *Camera) Read() (*image.RGBA, error) {
	if ok := c.vc.Read(&c.mat); !ok {
		return nil, fmt.Errorf("device %s returned no frame", c.info.Source)
	}
	if c.mat.Empty() {
		return nil, capture.ErrEmptyFrame
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

func (c *Camera) Info() capture.Info {
	return c.info
}

func (c *Camera) Close() error {
	c.mat.Close()
	return c.vc.Close()
}
