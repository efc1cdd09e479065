package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"media-server/internal/jobstore"
	"media-server/internal/logging"
)

type reportResult int

const (
	reportOK reportResult = iota
	reportCancel
	reportStale
)

// reporter coalesces encode progress into store checkpoints. A
// checkpoint is written when progress advances by at least one point
// and the last write is at least minInterval old, so a fast encode
// does not hammer the database. When the percentage is stuck, a
// checkpoint is still written every refreshInterval; an encode that
// sits on the same whole percent for minutes must keep extending its
// lease or the requeue sweep would treat it as stalled.
type reporter struct {
	store    *jobstore.Store
	jobID    string
	owner    string
	leaseTTL time.Duration

	minInterval     time.Duration
	refreshInterval time.Duration

	mu          sync.Mutex
	lastPct     int
	lastAt      time.Time
	sawCancel   bool
	leaseIsLost bool
}

func newReporter(store *jobstore.Store, jobID, owner string, leaseTTL time.Duration) *reporter {
	return &reporter{
		store:           store,
		jobID:           jobID,
		owner:           owner,
		leaseTTL:        leaseTTL,
		minInterval:     time.Second,
		refreshInterval: leaseTTL / 4,
		lastPct:         -1,
	}
}

func (r *reporter) report(ctx context.Context, pct int) reportResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leaseIsLost {
		return reportStale
	}
	if r.sawCancel {
		return reportCancel
	}
	sinceWrite := time.Since(r.lastAt)
	if pct > r.lastPct {
		if sinceWrite < r.minInterval {
			return reportOK
		}
	} else if sinceWrite < r.refreshInterval {
		return reportOK
	}

	// The store takes MAX(progress, pct), so re-reporting the current
	// percent only extends the lease.
	cancelRequested, err := r.store.ReportProgress(ctx, r.jobID, r.owner, pct, r.leaseTTL)
	if err != nil {
		if errors.Is(err, jobstore.ErrStaleLease) {
			r.leaseIsLost = true
			logging.Warn("job %s: lease lost, abandoning encode", r.jobID)
			return reportStale
		}
		// Transient store errors must not kill an encode; the next
		// checkpoint retries.
		logging.Warn("job %s: progress checkpoint failed: %v", r.jobID, err)
		return reportOK
	}

	if pct > r.lastPct {
		r.lastPct = pct
	}
	r.lastAt = time.Now()
	if cancelRequested {
		r.sawCancel = true
		return reportCancel
	}
	return reportOK
}

func (r *reporter) cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sawCancel
}

func (r *reporter) stale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaseIsLost
}
