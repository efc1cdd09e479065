package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"media-server/internal/cache"
	"media-server/internal/ffmpeg"
	"media-server/internal/jobstore"
	"media-server/internal/logging"
	"media-server/internal/metrics"
	"media-server/internal/playlist"
)

// Config sizes and paces the pool.
type Config struct {
	// Slots caps how many encodes run at once.
	Slots int
	// LeaseTTL is how long an acquired job stays leased without a
	// progress report before crash recovery requeues it.
	LeaseTTL time.Duration
	// SegmentDuration is the nominal HLS segment length in seconds.
	SegmentDuration float64
	// PollInterval is how often an idle pool checks the queue.
	PollInterval time.Duration
}

// Pool drains the job queue with a bounded number of concurrent
// encodes. Each lease is held by a per-acquisition owner id so a
// worker that loses its lease can never act on the job again.
type Pool struct {
	store   *jobstore.Store
	cache   *cache.Cache
	runner  ffmpeg.Runner
	builder *ffmpeg.CommandBuilder
	cfg     Config
	slots   *semaphore.Weighted
	name    string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store *jobstore.Store, artifactCache *cache.Cache, runner ffmpeg.Runner, cfg Config) *Pool {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		store:   store,
		cache:   artifactCache,
		runner:  runner,
		builder: ffmpeg.NewCommandBuilder(),
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.Slots)),
		name:    "pool-" + uuid.NewString()[:8],
	}
}

// Start launches the dispatch loop. It returns immediately; Stop
// blocks until in-flight encodes wind down.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("pool already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.dispatch(ctx)

	logging.Info("Transcode pool started with %d slot(s)", p.cfg.Slots)
	return nil
}

func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()

	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return
		}

		owner := fmt.Sprintf("%s/%s", p.name, uuid.NewString()[:8])
		job, err := p.store.Acquire(ctx, owner, p.cfg.LeaseTTL)
		if err != nil {
			p.slots.Release(1)
			if ctx.Err() != nil {
				return
			}
			logging.Error("job acquisition failed: %v", err)
		} else if job == nil {
			p.slots.Release(1)
		} else {
			metrics.WorkerSlotsBusy.Inc()
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.slots.Release(1)
				defer metrics.WorkerSlotsBusy.Dec()
				p.runJob(ctx, job, owner)
			}()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// runJob drives one leased job to a terminal state. Pool shutdown is
// the one path that leaves a job running; its lease expires and crash
// recovery requeues it.
func (p *Pool) runJob(ctx context.Context, job *jobstore.Job, owner string) {
	outcome := p.execute(ctx, job, owner)
	if outcome == "" {
		// Shutdown or lost lease; another episode owns the outcome.
		return
	}
	// The store records the terminal-transition metrics; logging the
	// outcome here is enough.
	logging.Info("job %s (%s/%s) finished: %s", job.ID, job.FileID, job.Rendition, outcome)
}

func (p *Pool) execute(ctx context.Context, job *jobstore.Job, owner string) string {
	// Identical content re-enqueued after completion: the artifact is
	// already published, so there is nothing to encode.
	if p.cache.Finalized(job.CacheKey) {
		if err := p.store.Complete(ctx, job.ID, owner, job.CacheKey); err != nil {
			logging.Warn("completing pre-finalized job %s: %v", job.ID, err)
			return ""
		}
		return "completed"
	}

	file, err := p.store.FileByID(ctx, job.FileID)
	if err != nil || file == nil {
		return p.fail(ctx, job, owner, jobstore.ErrorCancelled, "source file no longer registered")
	}
	rendition, ok := file.Plan.Rendition(job.Rendition)
	if !ok {
		return p.fail(ctx, job, owner, jobstore.ErrorCodecUnsupported, "rendition not in delivery plan")
	}
	mediaProbe, found, err := p.store.GetProbe(ctx, job.ContentHash)
	if err != nil || !found {
		return p.fail(ctx, job, owner, jobstore.ErrorCrashed, "probe data missing for content hash")
	}

	outDir, err := p.cache.Begin(job.CacheKey)
	if err != nil {
		return p.fail(ctx, job, owner, jobstore.ErrorCacheWrite, err.Error())
	}

	args := p.builder.Encode(ffmpeg.EncodeParams{
		InputPath:        file.Path,
		OutputDir:        outDir,
		VideoStreamIndex: 0,
		AudioTrackCount:  len(file.Plan.AudioTracks),
		Rendition:        rendition,
		SegmentDuration:  p.cfg.SegmentDuration,
	})

	encCtx, stopEncode := context.WithCancel(ctx)
	defer stopEncode()

	reporter := newReporter(p.store, job.ID, owner, p.cfg.LeaseTTL)
	runErr := p.runner.Run(encCtx, args, mediaProbe.Duration, func(pct int) {
		switch reporter.report(ctx, pct) {
		case reportCancel, reportStale:
			stopEncode()
		}
	})

	if reporter.stale() {
		// The lease moved on while we were encoding. Whatever state
		// the job is in now belongs to someone else.
		return ""
	}
	if reporter.cancelled() {
		return p.fail(ctx, job, owner, jobstore.ErrorCancelled, "cancel observed at progress checkpoint")
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return ""
		}
		return p.fail(ctx, job, owner, classifyEncodeError(runErr), runErr.Error())
	}

	count, err := p.cache.SegmentCount(job.CacheKey)
	if err != nil || count == 0 {
		return p.fail(ctx, job, owner, jobstore.ErrorCacheWrite, "encode produced no segments")
	}
	manifest := playlist.Variant(playlist.VariantParams{
		SegmentCount:    count,
		SegmentDuration: p.cfg.SegmentDuration,
		TotalDuration:   mediaProbe.Duration,
		Finalized:       true,
	})
	if err := p.cache.Finalize(job.CacheKey, []byte(manifest)); err != nil {
		return p.fail(ctx, job, owner, jobstore.ErrorCacheWrite, err.Error())
	}

	if err := p.store.Complete(ctx, job.ID, owner, job.CacheKey); err != nil {
		// A cancel that raced past the last checkpoint: withdraw the
		// artifact so nothing is published for a cancelled job.
		_ = p.cache.Remove(job.CacheKey)
		if err == jobstore.ErrCancelled {
			return "cancelled"
		}
		logging.Warn("completion of job %s rejected: %v", job.ID, err)
		return ""
	}
	return "completed"
}

func (p *Pool) fail(ctx context.Context, job *jobstore.Job, owner string, kind jobstore.ErrorKind, detail string) string {
	if err := p.store.Fail(ctx, job.ID, owner, kind, detail); err != nil {
		logging.Warn("failure report for job %s rejected: %v", job.ID, err)
		return ""
	}
	// A failed job must not leave a pending-looking entry behind;
	// partial segments would read as still-encoding. Finalized entries
	// stay: a concurrent job for identical content may have published.
	if !p.cache.Finalized(job.CacheKey) {
		if err := p.cache.Remove(job.CacheKey); err != nil {
			logging.Warn("removing partial output of failed job %s: %v", job.ID, err)
		}
	}
	return string(kind)
}

func classifyEncodeError(err error) jobstore.ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unknown encoder"),
		strings.Contains(msg, "unsupported codec"),
		strings.Contains(msg, "decoder not found"):
		return jobstore.ErrorCodecUnsupported
	case strings.Contains(msg, "no space left"),
		strings.Contains(msg, "cannot allocate memory"):
		return jobstore.ErrorResourceExhausted
	default:
		return jobstore.ErrorCrashed
	}
}
