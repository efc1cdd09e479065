package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"media-server/internal/jobstore"
	"media-server/internal/logging"
)

// State is the controller's lifecycle state.
type State string

const (
	// StateIdle means no file is loaded.
	StateIdle State = "idle"
	// StateLoading means the controller is waiting for a servable rendition.
	StateLoading State = "loading"
	// StateReady means the selected rendition is playing.
	StateReady State = "ready"
	// StateDegraded means playback continues on a fallback rendition or
	// is stalled waiting for the encoder to catch up.
	StateDegraded State = "degraded"
	// StateFailed means no rendition will become servable.
	StateFailed State = "failed"
	// StateClosed means the controller was shut down.
	StateClosed State = "closed"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("playback controller is closed")

// ErrNotLoaded is returned when an operation needs a loaded file.
var ErrNotLoaded = errors.New("no file loaded")

// StatusSource is where the controller learns about renditions. The
// server side satisfies it from the job store and cache; a remote
// client satisfies it from the status endpoint.
type StatusSource interface {
	// RenditionStatuses returns per-rendition transcode state for a file.
	RenditionStatuses(ctx context.Context, fileID string) ([]jobstore.RenditionStatus, error)
	// ServableSegments returns how many segments of a rendition can be
	// served right now.
	ServableSegments(ctx context.Context, fileID, rendition string) (int, error)
}

// Config bounds the controller's polling.
type Config struct {
	// PollInterval is how often Load re-checks rendition readiness.
	PollInterval time.Duration
	// MaxPolls caps the readiness checks before Load gives up.
	MaxPolls int
	// SegmentDuration converts segment counts to buffered seconds.
	SegmentDuration float64
}

// DefaultConfig returns polling bounds suited to upload-sized sources.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		MaxPolls:        60,
		SegmentDuration: 6,
	}
}

// Controller drives playback of one file at a time. It never blocks
// forever: Load polls a bounded number of times, and Close interrupts
// a poll in flight.
type Controller struct {
	source StatusSource
	config Config

	mu         sync.Mutex
	state      State
	fileID     string
	desired    string
	current    string
	audioTrack int
	subtitleID string
	overlay    bool
	lastError  error
	closing    chan struct{}
}

func NewController(source StatusSource, config Config) *Controller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = DefaultConfig().MaxPolls
	}
	return &Controller{
		source:  source,
		config:  config,
		state:   StateIdle,
		closing: make(chan struct{}),
	}
}

// Load selects a file and blocks until a rendition is servable, every
// rendition has failed, or the poll budget is spent. The desired
// rendition is a preference, not a demand: when it is not servable but
// another rendition is, playback starts degraded on the fallback.
func (c *Controller) Load(ctx context.Context, fileID, desired string) (State, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return StateClosed, ErrClosed
	}
	c.state = StateLoading
	c.fileID = fileID
	c.desired = desired
	c.current = ""
	c.lastError = nil
	c.mu.Unlock()

	for attempt := 0; attempt < c.config.MaxPolls; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.PollInterval):
			case <-c.closing:
				return StateClosed, ErrClosed
			case <-ctx.Done():
				c.fail(ctx.Err())
				return StateFailed, ctx.Err()
			}
		}

		state, done, err := c.evaluate(ctx, fileID, desired)
		if err != nil {
			// Transient status errors are retried within the budget.
			logging.Debug("playback status check for %s failed: %v", fileID, err)
			continue
		}
		if done {
			return state, c.err()
		}
	}

	err := fmt.Errorf("no rendition of %s became servable", fileID)
	c.fail(err)
	return StateFailed, err
}

// evaluate takes one readiness sample. done is false while at least
// one rendition may still become servable.
func (c *Controller) evaluate(ctx context.Context, fileID, desired string) (State, bool, error) {
	statuses, err := c.source.RenditionStatuses(ctx, fileID)
	if err != nil {
		return StateLoading, false, err
	}
	if len(statuses) == 0 {
		return StateLoading, false, errors.New("no renditions reported")
	}

	if label, ok := c.pickServable(ctx, fileID, desired, statuses); ok {
		state := StateReady
		if label != desired {
			state = StateDegraded
		}
		c.setPlaying(state, label)
		return state, true, nil
	}

	allFailed := true
	for _, rs := range statuses {
		if rs.State != jobstore.StateFailed {
			allFailed = false
			break
		}
	}
	if allFailed {
		err := fmt.Errorf("every rendition of %s failed", fileID)
		c.fail(err)
		return StateFailed, true, nil
	}

	return StateLoading, false, nil
}

// pickServable returns the desired rendition when it has segments, or
// the first servable one in status order otherwise.
func (c *Controller) pickServable(ctx context.Context, fileID, desired string, statuses []jobstore.RenditionStatus) (string, bool) {
	if desired != "" {
		if count, err := c.source.ServableSegments(ctx, fileID, desired); err == nil && count > 0 {
			return desired, true
		}
	}
	for _, rs := range statuses {
		if rs.Rendition == desired {
			continue
		}
		if count, err := c.source.ServableSegments(ctx, fileID, rs.Rendition); err == nil && count > 0 {
			return rs.Rendition, true
		}
	}
	return "", false
}

// SwitchRendition changes the playing rendition. Switching to a
// rendition with no servable segments falls back to the best one that
// has any and reports Degraded.
func (c *Controller) SwitchRendition(ctx context.Context, label string) (State, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return StateClosed, ErrClosed
	}
	if c.fileID == "" {
		c.mu.Unlock()
		return c.stateLocked(), ErrNotLoaded
	}
	fileID := c.fileID
	c.desired = label
	c.mu.Unlock()

	statuses, err := c.source.RenditionStatuses(ctx, fileID)
	if err != nil {
		return c.stateLocked(), err
	}

	if picked, ok := c.pickServable(ctx, fileID, label, statuses); ok {
		state := StateReady
		if picked != label {
			state = StateDegraded
		}
		c.setPlaying(state, picked)
		return state, nil
	}

	// Nothing servable at all; keep the current rendition but report
	// the degradation.
	c.setPlaying(StateDegraded, c.CurrentRendition())
	return StateDegraded, nil
}

// Seek reports whether a target position is inside the buffered range
// of the current rendition. Seeking past what the encoder has written
// degrades playback until the segments arrive; it is not an error.
func (c *Controller) Seek(ctx context.Context, position float64) (State, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return StateClosed, ErrClosed
	}
	if c.fileID == "" || c.current == "" {
		c.mu.Unlock()
		return c.stateLocked(), ErrNotLoaded
	}
	fileID, current := c.fileID, c.current
	c.mu.Unlock()

	count, err := c.source.ServableSegments(ctx, fileID, current)
	if err != nil {
		return c.stateLocked(), err
	}

	buffered := float64(count) * c.config.SegmentDuration
	if position < buffered {
		c.setPlaying(StateReady, current)
		return StateReady, nil
	}

	c.setPlaying(StateDegraded, current)
	return StateDegraded, nil
}

// SelectAudioTrack records the active audio track. Track selection
// lives on the session and never tears playback down.
func (c *Controller) SelectAudioTrack(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioTrack = index
}

// SelectSubtitle records the active subtitle, empty for none.
func (c *Controller) SelectSubtitle(subtitleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subtitleID = subtitleID
}

// Selection returns the session's current track choices.
func (c *Controller) Selection() (rendition string, audioTrack int, subtitleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.audioTrack, c.subtitleID
}

// OverlayVisible reports whether the encode-progress overlay should
// show. It is true while any rendition job is still queued or running,
// as observed by the most recent WatchProgress sample.
func (c *Controller) OverlayVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlay
}

// WatchProgress polls rendition status for the loaded file and sends
// each sample on the returned channel. The channel closes when every
// job reaches a terminal state, ctx is done, or the controller is
// closed, so callers never poll a finished encode.
func (c *Controller) WatchProgress(ctx context.Context) <-chan []jobstore.RenditionStatus {
	updates := make(chan []jobstore.RenditionStatus, 1)

	c.mu.Lock()
	fileID := c.fileID
	closed := c.state == StateClosed
	c.mu.Unlock()
	if fileID == "" || closed {
		close(updates)
		return updates
	}

	go func() {
		defer close(updates)
		ticker := time.NewTicker(c.config.PollInterval)
		defer ticker.Stop()

		for {
			statuses, err := c.source.RenditionStatuses(ctx, fileID)
			if err == nil {
				active := hasActiveJobs(statuses)
				c.setOverlay(active)
				select {
				case updates <- statuses:
				case <-ctx.Done():
					return
				case <-c.closing:
					return
				}
				if !active {
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-c.closing:
				return
			}
		}
	}()
	return updates
}

func hasActiveJobs(statuses []jobstore.RenditionStatus) bool {
	for _, rs := range statuses {
		if rs.State == jobstore.StateQueued || rs.State == jobstore.StateRunning {
			return true
		}
	}
	return false
}

func (c *Controller) setOverlay(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overlay = visible
}

// Close shuts the controller down and interrupts an in-flight Load.
// Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	close(c.closing)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.stateLocked()
}

// CurrentRendition returns the rendition being played, if any.
func (c *Controller) CurrentRendition() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Err returns the error that moved the controller to Failed.
func (c *Controller) Err() error {
	return c.err()
}

func (c *Controller) stateLocked() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Controller) setPlaying(state State, rendition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = state
	c.current = rendition
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateFailed
	c.lastError = err
}
