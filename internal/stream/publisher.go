package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultJPEGQuality is used when no quality is configured
const DefaultJPEGQuality = 85

var (
	// ErrClosed is returned by Tap.Next once the publisher has shut down.
	ErrClosed = errors.New("stream publisher closed")
	// ErrClientDisconnect ends one viewer's stream after a failed write.
	ErrClientDisconnect = errors.New("stream client disconnected")
)

// Mirror receives every encoded frame, e.g. an MJPEG stream handler
type Mirror interface {
	UpdateJPEG(jpeg []byte)
}

// Publisher holds the latest encoded frame only. Publishing replaces it and
// wakes every tap; slow viewers skip frames instead of queueing them.
type Publisher struct {
	quality int
	mirror  Mirror
	log     zerolog.Logger

	mu     sync.Mutex
	seq    uint64
	frame  []byte
	notify chan struct{}
	closed bool

	taps      int32
	published uint64
	skipped   uint64
}

// PublisherStats contains publish counters
type PublisherStats struct {
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
	Taps      int    `json:"taps"`
}

// NewPublisher creates a publisher encoding at quality (1-100)
func NewPublisher(quality int, log zerolog.Logger) *Publisher {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Publisher{
		quality: quality,
		notify:  make(chan struct{}),
		log:     log.With().Str("component", "stream").Logger(),
	}
}

// SetMirror forwards every published frame to m. With a mirror set, frames
// are encoded even when no tap is attached.
func (p *Publisher) SetMirror(m Mirror) {
	p.mu.Lock()
	p.mirror = m
	p.mu.Unlock()
}

// Publish encodes img and makes it the latest frame. Encoding is skipped
// when nobody is watching.
func (p *Publisher) Publish(img image.Image) error {
	p.mu.Lock()
	mirror := p.mirror
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if atomic.LoadInt32(&p.taps) == 0 && mirror == nil {
		// the held frame is now older than the camera; the next viewer waits
		// for a fresh one
		p.mu.Lock()
		p.frame = nil
		p.mu.Unlock()
		atomic.AddUint64(&p.skipped, 1)
		return nil
	}

	data, err := EncodeJPEG(img, p.quality)
	if err != nil {
		p.log.Error().Err(err).Msg("dropping frame")
		return err
	}
	p.PublishJPEG(data)
	return nil
}

// PublishJPEG makes an already encoded frame the latest one
func (p *Publisher) PublishJPEG(data []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.seq++
	p.frame = data
	close(p.notify)
	p.notify = make(chan struct{})
	mirror := p.mirror
	p.mu.Unlock()

	atomic.AddUint64(&p.published, 1)
	if mirror != nil {
		mirror.UpdateJPEG(data)
	}
}

// Latest returns the current frame and its sequence number
func (p *Publisher) Latest() ([]byte, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.seq
}

// Subscribe attaches a new tap. The first Next call returns the current
// frame if there is one. No frame is held while nobody watches.
func (p *Publisher) Subscribe() *Tap {
	atomic.AddInt32(&p.taps, 1)
	return &Tap{p: p}
}

// Close wakes every tap with ErrClosed
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.notify)
}

// Stats returns publish counters
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: atomic.LoadUint64(&p.published),
		Skipped:   atomic.LoadUint64(&p.skipped),
		Taps:      int(atomic.LoadInt32(&p.taps)),
	}
}

// Tap is one viewer's pull-based view of the publisher
type Tap struct {
	p       *Publisher
	last    uint64
	dropped uint64
	once    sync.Once
}

// Next blocks until a frame newer than the last one returned is available,
// the publisher closes, or ctx ends.
func (t *Tap) Next(ctx context.Context) ([]byte, error) {
	for {
		t.p.mu.Lock()
		if t.p.closed {
			t.p.mu.Unlock()
			return nil, ErrClosed
		}
		if t.p.seq > t.last && t.p.frame != nil {
			if t.last > 0 {
				t.dropped += t.p.seq - t.last - 1
			}
			t.last = t.p.seq
			frame := t.p.frame
			t.p.mu.Unlock()
			return frame, nil
		}
		wait := t.p.notify
		t.p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dropped returns how many frames this tap skipped because it fell behind
func (t *Tap) Dropped() uint64 {
	return t.dropped
}

// Close detaches the tap. It is safe to call more than once.
func (t *Tap) Close() {
	t.once.Do(func() {
		atomic.AddInt32(&t.p.taps, -1)
	})
}

// EncodeJPEG encodes img at quality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
