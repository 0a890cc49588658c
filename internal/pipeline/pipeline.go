// Package pipeline runs the capture loop: it reads frames while the thermal
// schedule allows, runs inference, persists evidence and counts, and hands
// annotated frames to the stream publisher.
package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/capture"
	"github.com/aquamans/pondwatch/internal/inference"
	"github.com/aquamans/pondwatch/internal/ingest"
	"github.com/aquamans/pondwatch/internal/stream"
	"github.com/aquamans/pondwatch/internal/thermal"
	"github.com/aquamans/pondwatch/internal/throttle"
)

const (
	DefaultReadBackoff         = time.Second
	DefaultMaxReadFailures     = 5
	DefaultReacquireDelay      = 5 * time.Second
	DefaultCountUpdateInterval = 20 * time.Second
)

// Config holds the loop timings
type Config struct {
	ReadBackoff     time.Duration
	MaxReadFailures int
	ReacquireDelay  time.Duration
	// CountUpdateInterval is the minimum spacing of count-only updates.
	// Zero disables them.
	CountUpdateInterval time.Duration
	JPEGQuality         int
}

// FramePublisher receives every annotated frame
type FramePublisher interface {
	Publish(img image.Image) error
}

// Stats contains loop counters
type Stats struct {
	FramesRead       uint64 `json:"frames_read"`
	FramesPublished  uint64 `json:"frames_published"`
	ReadFailures     uint64 `json:"read_failures"`
	Reacquisitions   uint64 `json:"reacquisitions"`
	InferenceErrors  uint64 `json:"inference_errors"`
	EvidenceWritten  uint64 `json:"evidence_written"`
	EvidenceDropped  uint64 `json:"evidence_dropped"`
	CountUpdates     uint64 `json:"count_updates"`
	CountUpdateDrops uint64 `json:"count_update_drops"`
	Rests            uint64 `json:"rests"`
}

// Status is what the loop last saw, for the status endpoints
type Status struct {
	DeviceAcquired bool
	DeviceErr      error
	Live           int
	Dead           int
	LastFrameAt    time.Time
	LastEvidenceID int64
	LastEvidenceAt time.Time
}

// DeviceUnavailable reports whether the last attempt to use the device failed
// and no device is held.
func (s Status) DeviceUnavailable() bool {
	return !s.DeviceAcquired && s.DeviceErr != nil
}

// Pipeline is the capture loop. Run must be called from one goroutine only;
// Stats and Status are safe from any goroutine.
type Pipeline struct {
	manager   *capture.Manager
	schedule  *thermal.Schedule
	throttle  *throttle.Throttle
	stage     *inference.Stage
	port      ingest.Port
	publisher FramePublisher
	cfg       Config
	log       zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// owned by Run
	failures   int
	pushedLive int
	pushedDead int
	lastPush   time.Time

	mu     sync.RWMutex
	stats  Stats
	status Status
}

// New wires a capture loop
func New(
	manager *capture.Manager,
	schedule *thermal.Schedule,
	thr *throttle.Throttle,
	stage *inference.Stage,
	port ingest.Port,
	publisher FramePublisher,
	cfg Config,
	log zerolog.Logger,
) *Pipeline {
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = DefaultReadBackoff
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = DefaultMaxReadFailures
	}
	if cfg.ReacquireDelay <= 0 {
		cfg.ReacquireDelay = DefaultReacquireDelay
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = stream.DefaultJPEGQuality
	}
	return &Pipeline{
		manager:   manager,
		schedule:  schedule,
		throttle:  thr,
		stage:     stage,
		port:      port,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Run loops until ctx is cancelled. The device is released exactly once on
// return.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.manager.Release()

	p.log.Info().
		Time("next_rest", p.schedule.NextRest()).
		Dur("min_evidence_interval", p.throttle.MinInterval()).
		Msg("capture loop started")

	for ctx.Err() == nil {
		if p.schedule.Tick(p.now()) == thermal.StateResting {
			if err := p.rest(ctx); err != nil {
				break
			}
			continue
		}

		if !p.manager.Acquired() {
			if !p.acquire(ctx) {
				continue
			}
		}

		frame, err := p.manager.ReadFrame()
		if err != nil {
			p.readFailed(ctx, err)
			continue
		}
		p.failures = 0
		p.handle(ctx, frame)
	}

	p.log.Info().Msg("capture loop stopped")
	return nil
}

// rest releases the device and sleeps until the rest period ends. Only ctx
// cancellation cuts it short.
func (p *Pipeline) rest(ctx context.Context) error {
	p.manager.Release()
	p.setAcquired(false, nil)
	p.failures = 0

	until := p.schedule.RestEndsAt()
	p.mu.Lock()
	p.stats.Rests++
	p.mu.Unlock()
	p.log.Info().Time("until", until).Msg("thermal rest, device released")

	if err := p.sleep(ctx, until.Sub(p.now())); err != nil {
		return err
	}
	p.log.Info().Msg("thermal rest over")
	return nil
}

func (p *Pipeline) acquire(ctx context.Context) bool {
	err := p.manager.Acquire(ctx)
	if err == nil {
		p.setAcquired(true, nil)
		p.failures = 0
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	p.setAcquired(false, err)
	p.sleep(ctx, p.cfg.ReacquireDelay)
	return false
}

func (p *Pipeline) readFailed(ctx context.Context, err error) {
	p.failures++
	p.mu.Lock()
	p.stats.ReadFailures++
	p.status.DeviceErr = err
	p.mu.Unlock()

	p.log.Warn().Err(err).Int("consecutive", p.failures).Msg("frame read failed")

	if p.failures >= p.cfg.MaxReadFailures {
		p.log.Error().Int("failures", p.failures).Msg("too many read failures, re-acquiring device")
		p.manager.Release()
		p.setAcquired(false, err)
		p.failures = 0
		p.mu.Lock()
		p.stats.Reacquisitions++
		p.mu.Unlock()
		return
	}
	p.sleep(ctx, p.cfg.ReadBackoff)
}

func (p *Pipeline) handle(ctx context.Context, frame *capture.Frame) {
	res := p.stage.Process(frame)
	now := p.now()

	if p.throttle.ShouldCapture(now, res.Dead) {
		p.writeEvidence(ctx, frame, res, now)
	} else {
		p.updateCounts(ctx, res, now)
	}

	published := false
	if err := p.publisher.Publish(res.Annotated); err != nil {
		if !errors.Is(err, stream.ErrClosed) {
			p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("failed to publish frame")
		}
	} else {
		published = true
	}

	p.mu.Lock()
	p.stats.FramesRead++
	if published {
		p.stats.FramesPublished++
	}
	if res.Err != nil {
		p.stats.InferenceErrors++
	}
	p.status.DeviceErr = nil
	p.status.Live = res.Live
	p.status.Dead = res.Dead
	p.status.LastFrameAt = frame.Timestamp
	p.mu.Unlock()
}

func (p *Pipeline) writeEvidence(ctx context.Context, frame *capture.Frame, res inference.Result, now time.Time) {
	data, err := stream.EncodeJPEG(res.Annotated, p.cfg.JPEGQuality)
	if err != nil {
		p.log.Error().Err(err).Uint64("seq", frame.Seq).Msg("failed to encode evidence")
		p.countEvidence(false, 0, now)
		return
	}

	id, err := p.port.WriteEvidence(ctx, ingest.Evidence{
		Live:       res.Live,
		Dead:       res.Dead,
		JPEG:       data,
		CapturedAt: now,
	})
	if err != nil {
		p.countEvidence(false, 0, now)
		return
	}

	// the evidence row carries the counts, so it doubles as a count update
	p.pushedLive, p.pushedDead, p.lastPush = res.Live, res.Dead, now
	p.countEvidence(true, id, now)
	p.log.Info().Int64("id", id).Int("live", res.Live).Int("dead", res.Dead).Msg("evidence stored")
}

func (p *Pipeline) countEvidence(ok bool, id int64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ok {
		p.stats.EvidenceDropped++
		return
	}
	p.stats.EvidenceWritten++
	p.status.LastEvidenceID = id
	p.status.LastEvidenceAt = now
}

// updateCounts pushes changed counts at most once per CountUpdateInterval.
// Frames whose inference failed carry no counts and are never pushed.
func (p *Pipeline) updateCounts(ctx context.Context, res inference.Result, now time.Time) {
	if p.cfg.CountUpdateInterval <= 0 || res.Err != nil {
		return
	}
	if res.Live == p.pushedLive && res.Dead == p.pushedDead {
		return
	}
	if !p.lastPush.IsZero() && now.Sub(p.lastPush) < p.cfg.CountUpdateInterval {
		return
	}

	p.lastPush = now
	err := p.port.UpdateCounts(ctx, res.Live, res.Dead)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.stats.CountUpdateDrops++
		return
	}
	p.pushedLive, p.pushedDead = res.Live, res.Dead
	p.stats.CountUpdates++
}

func (p *Pipeline) setAcquired(acquired bool, err error) {
	p.mu.Lock()
	p.status.DeviceAcquired = acquired
	p.status.DeviceErr = err
	p.mu.Unlock()
}

// Stats returns a copy of the loop counters
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Status returns what the loop last observed
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Schedule exposes the thermal schedule for status reporting
func (p *Pipeline) Schedule() *thermal.Schedule {
	return p.schedule
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
