package capture

import (
	"fmt"
	"image"
	"time"
)

// Frame is one decoded image from the capture device
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     *image.RGBA
}

// Info describes an opened device
type Info struct {
	Source  string
	Backend string
	Width   int
	Height  int
	FPS     float64
}

// Device is an opened camera
type Device interface {
	// Read blocks until the next image is available.
	Read() (*image.RGBA, error)
	Info() Info
	Close() error
}

// Opener opens the configured device.
type Opener interface {
	Open() (Device, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func() (Device, error)

func (f OpenerFunc) Open() (Device, error) {
	return f()
}

// DeviceError is a recoverable capture failure
type DeviceError struct {
	Op  string // open, read, close
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

var (
	ErrNotAcquired = &DeviceError{Op: "read", Err: fmt.Errorf("device not acquired")}
	ErrEmptyFrame  = fmt.Errorf("empty frame")
)
