package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	s, err := New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("New(%s) error: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return s
}

func enqueueTestJob(t *testing.T, s *Store, fileID, rendition string, priority int) *Job {
	t.Helper()
	j, err := s.Enqueue(context.Background(), fileID, "hash-"+fileID, rendition, "fp", "key-"+fileID+"-"+rendition, priority)
	if err != nil {
		t.Fatalf("Enqueue(%s, %s) error: %v", fileID, rendition, err)
	}
	return j
}

func TestEnqueueIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	j2 := enqueueTestJob(t, s, "file1", "720p", PriorityUpload)

	if j1.ID != j2.ID {
		t.Errorf("re-enqueue created a new job: %s vs %s", j1.ID, j2.ID)
	}
	if j1.State != StateQueued {
		t.Errorf("state = %s, want queued", j1.State)
	}

	// A different rendition is a different job.
	j3 := enqueueTestJob(t, s, "file1", "480p", PriorityUpload)
	if j3.ID == j1.ID {
		t.Error("different rendition shares a job id")
	}

	counts, err := s.CountsByState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StateQueued] != 2 {
		t.Errorf("queued count = %d, want 2", counts[StateQueued])
	}
}

func TestAcquireLeasesOneJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)

	j, err := s.Acquire(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if j == nil {
		t.Fatal("Acquire returned no job")
	}
	if j.State != StateRunning || j.LeaseOwner != "worker-1" {
		t.Errorf("leased job = %+v, want running/worker-1", j)
	}
	if j.LeaseExpiresAt.IsZero() {
		t.Error("lease expiry not set")
	}

	// Queue is now empty.
	j2, err := s.Acquire(ctx, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}
	if j2 != nil {
		t.Errorf("second Acquire got job %s, want none", j2.ID)
	}
}

func TestAcquirePriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "backlog1", "720p", PriorityBacklog)
	enqueueTestJob(t, s, "upload1", "720p", PriorityUpload)
	enqueueTestJob(t, s, "upload2", "720p", PriorityUpload)

	var order []string
	for {
		j, err := s.Acquire(ctx, "w", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if j == nil {
			break
		}
		order = append(order, j.FileID)
	}

	want := []string{"upload1", "upload2", "backlog1"}
	if len(order) != len(want) {
		t.Fatalf("drained %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("drained %v, want %v", order, want)
		}
	}
}

func TestLeaseExclusivityUnderStress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const jobCount = 8
	for i := 0; i < jobCount; i++ {
		enqueueTestJob(t, s, "file"+string(rune('a'+i)), "720p", PriorityUpload)
	}

	const workers = 16
	var mu sync.Mutex
	holders := make(map[string][]string) // jobID -> acquiring workers
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		owner := "worker-" + string(rune('A'+w))
		go func(owner string) {
			defer wg.Done()
			for {
				j, err := s.Acquire(ctx, owner, time.Minute)
				if err != nil {
					t.Errorf("Acquire error: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				holders[j.ID] = append(holders[j.ID], owner)
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()

	if len(holders) != jobCount {
		t.Errorf("acquired %d distinct jobs, want %d", len(holders), jobCount)
	}
	for jobID, owners := range holders {
		if len(owners) != 1 {
			t.Errorf("job %s leased to %d workers: %v", jobID, len(owners), owners)
		}
	}
}

func TestProgressMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	j, err := s.Acquire(ctx, "w1", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("Acquire: %v %v", j, err)
	}

	for _, pct := range []int{10, 40, 25, 40, 70} {
		if _, err := s.ReportProgress(ctx, j.ID, "w1", pct, time.Minute); err != nil {
			t.Fatalf("ReportProgress(%d): %v", pct, err)
		}
	}

	got, err := s.JobByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 70 {
		t.Errorf("progress = %d, want 70 (monotonic, 25 must not lower 40)", got.Progress)
	}
}

func TestStaleLeaseRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	j, err := s.Acquire(ctx, "w1", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("Acquire: %v %v", j, err)
	}

	// Reports from a worker that never held the lease are rejected.
	if _, err := s.ReportProgress(ctx, j.ID, "w2", 50, time.Minute); !errors.Is(err, ErrStaleLease) {
		t.Errorf("foreign progress report error = %v, want ErrStaleLease", err)
	}
	if err := s.Complete(ctx, j.ID, "w2", "key"); !errors.Is(err, ErrStaleLease) {
		t.Errorf("foreign completion error = %v, want ErrStaleLease", err)
	}
	if err := s.Fail(ctx, j.ID, "w2", ErrorCrashed, "x"); !errors.Is(err, ErrStaleLease) {
		t.Errorf("foreign failure error = %v, want ErrStaleLease", err)
	}

	// The rightful owner still works.
	if err := s.Complete(ctx, j.ID, "w1", "key-abc"); err != nil {
		t.Errorf("rightful completion error: %v", err)
	}

	got, err := s.JobByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateCompleted || got.CacheKey != "key-abc" || got.Progress != 100 {
		t.Errorf("completed job = %+v", got)
	}
}

func TestExpiredLeaseRequeuedOnceAndOldReportsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)

	// Lease with an already-expired TTL to simulate a crashed worker.
	j, err := s.Acquire(ctx, "w1", -2*time.Second)
	if err != nil || j == nil {
		t.Fatalf("Acquire: %v %v", j, err)
	}

	n, err := s.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d jobs, want 1", n)
	}

	// Exactly once per stall: a second sweep finds nothing.
	n, err = s.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("second RequeueExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep requeued %d jobs, want 0", n)
	}

	// The crashed worker's late completion must be rejected.
	if err := s.Complete(ctx, j.ID, "w1", "stale-key"); !errors.Is(err, ErrStaleLease) {
		t.Errorf("late completion error = %v, want ErrStaleLease", err)
	}

	// A second worker picks it up and completes it exactly once.
	j2, err := s.Acquire(ctx, "w2", time.Minute)
	if err != nil || j2 == nil {
		t.Fatalf("re-Acquire: %v %v", j2, err)
	}
	if j2.ID != j.ID {
		t.Errorf("requeued job id changed: %s vs %s", j2.ID, j.ID)
	}
	if err := s.Complete(ctx, j2.ID, "w2", "good-key"); err != nil {
		t.Fatalf("second worker completion: %v", err)
	}

	got, err := s.JobByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateCompleted || got.CacheKey != "good-key" {
		t.Errorf("final job = %+v, want completed with good-key", got)
	}
}

func TestExpiredLeaseWithPendingCancelFailsInsteadOfRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)

	j, err := s.Acquire(ctx, "w1", -2*time.Second)
	if err != nil || j == nil {
		t.Fatalf("Acquire: %v %v", j, err)
	}
	if err := s.RequestCancel(ctx, "file1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	// The sweep must not hand the job back to the queue, where Acquire
	// would skip it forever.
	n, err := s.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d jobs, want 0", n)
	}

	got, err := s.JobByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateFailed || got.ErrorKind != ErrorCancelled {
		t.Errorf("job = %s/%s, want failed/%s", got.State, got.ErrorKind, ErrorCancelled)
	}

	next, err := s.Acquire(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after sweep: %v", err)
	}
	if next != nil {
		t.Errorf("Acquire returned %+v, want nothing eligible", next)
	}
}

func TestCancelQueuedJobFailsImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := enqueueTestJob(t, s, "file1", "720p", PriorityUpload)

	if err := s.RequestCancel(ctx, "file1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	got, err := s.JobByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateFailed || got.ErrorKind != ErrorCancelled {
		t.Errorf("cancelled queued job = %+v, want failed/cancelled", got)
	}

	// Cancelled jobs are not acquirable.
	if acquired, _ := s.Acquire(ctx, "w", time.Minute); acquired != nil {
		t.Error("cancelled job was acquired")
	}
}

func TestCancelRunningJobObservedAtCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	j, err := s.Acquire(ctx, "w1", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("Acquire: %v %v", j, err)
	}

	cancel, err := s.ReportProgress(ctx, j.ID, "w1", 40, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if cancel {
		t.Error("cancel flag set before any cancellation")
	}

	if err := s.RequestCancel(ctx, "file1"); err != nil {
		t.Fatal(err)
	}

	cancel, err = s.ReportProgress(ctx, j.ID, "w1", 45, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !cancel {
		t.Error("cancel flag not observed at checkpoint")
	}

	// Worker aborts and reports cancellation.
	if err := s.Fail(ctx, j.ID, "w1", ErrorCancelled, "file deleted"); err != nil {
		t.Fatal(err)
	}
	got, err := s.JobByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateFailed || got.ErrorKind != ErrorCancelled {
		t.Errorf("job = %+v, want failed/cancelled", got)
	}
}

func TestCompleteAfterCancelNeverPublishes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	j, err := s.Acquire(ctx, "w1", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("Acquire: %v %v", j, err)
	}

	if err := s.RequestCancel(ctx, "file1"); err != nil {
		t.Fatal(err)
	}

	// A worker that races past its last checkpoint and reports success
	// anyway must not publish.
	if err := s.Complete(ctx, j.ID, "w1", "key"); !errors.Is(err, ErrCancelled) {
		t.Errorf("Complete after cancel = %v, want ErrCancelled", err)
	}

	got, err := s.JobByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateFailed || got.ErrorKind != ErrorCancelled {
		t.Errorf("job = %+v, want failed/cancelled", got)
	}
	if got.State == StateCompleted {
		t.Error("cancelled job published an artifact")
	}
}

func TestFailedJobNotAutoRetriedButReEnqueueable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	j, err := s.Acquire(ctx, "w1", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("Acquire: %v %v", j, err)
	}
	if err := s.Fail(ctx, j.ID, "w1", ErrorCodecUnsupported, "encoder rejected input"); err != nil {
		t.Fatal(err)
	}

	// No automatic retry: nothing is acquirable.
	if acquired, _ := s.Acquire(ctx, "w2", time.Minute); acquired != nil {
		t.Error("failed job was re-acquired without an explicit enqueue")
	}

	// An explicit enqueue restarts the episode.
	j2 := enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	if j2.ID != j.ID {
		t.Errorf("re-enqueue changed job id")
	}
	if j2.State != StateQueued || j2.ErrorKind != "" || j2.Progress != 0 {
		t.Errorf("re-enqueued job = %+v, want a fresh queued episode", j2)
	}
}

func TestStatusByFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	enqueueTestJob(t, s, "file1", "480p", PriorityUpload)
	enqueueTestJob(t, s, "file2", "1080p", PriorityUpload)

	statuses, err := s.StatusByFile(ctx, "file1")
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
	for _, st := range statuses {
		if st.State != StateQueued || st.Progress != 0 {
			t.Errorf("status = %+v, want queued/0", st)
		}
	}
}

func TestCleanupTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueueTestJob(t, s, "file1", "720p", PriorityUpload)
	j, err := s.Acquire(ctx, "w1", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("Acquire: %v %v", j, err)
	}
	if err := s.Complete(ctx, j.ID, "w1", "key"); err != nil {
		t.Fatal(err)
	}
	enqueueTestJob(t, s, "file2", "720p", PriorityUpload)

	// Retention window of -1h makes the cutoff lie in the future, so
	// the just-completed job is eligible; the queued one must survive.
	n, err := s.CleanupTerminal(ctx, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleaned %d jobs, want 1", n)
	}

	counts, err := s.CountsByState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StateQueued] != 1 || counts[StateCompleted] != 0 {
		t.Errorf("counts after cleanup = %v", counts)
	}
}
