package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(mock *jobMock) (*Store, *time.Time) {
	now := time.Unix(1700000000, 0)
	s := NewStore(mock, "refresh-jobs")
	s.nowFunc = func() time.Time { return now }
	s.jitterFunc = func() time.Duration { return 0 }
	seq := 0
	s.idFunc = func() string {
		seq++
		return "job-" + string(rune('a'+seq-1))
	}
	return s, &now
}

func TestEnqueue_Dedupes(t *testing.T) {
	mock := newJobMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	job, created, err := s.Enqueue(ctx, KindPart, "3001", "", 1, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatal("first enqueue should create")
	}
	if job.Status != StatusPending || job.Attempt != 0 {
		t.Fatalf("bad initial job: %+v", job)
	}

	dup, created, err := s.Enqueue(ctx, KindPart, "3001", "", 1, 0)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if created {
		t.Fatal("duplicate enqueue must be a no-op")
	}
	if dup.ID != job.ID {
		t.Fatalf("expected existing job back, got %s vs %s", dup.ID, job.ID)
	}
	if len(mock.jobs) != 1 {
		t.Fatalf("expected 1 stored job, got %d", len(mock.jobs))
	}

	// a different secondary key is a different tuple
	_, created, err = s.Enqueue(ctx, KindPartPrices, "3001", "5#U#sold", 1, 0)
	if err != nil {
		t.Fatalf("enqueue with secondary: %v", err)
	}
	if !created {
		t.Fatal("distinct tuple must create a new job")
	}
}

func TestEnqueue_AllowedAgainAfterSuccess(t *testing.T) {
	mock := newJobMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	job, _, err := s.Enqueue(ctx, KindColor, "5", "", 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Claim(ctx, job); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkSucceeded(ctx, job); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	_, created, err := s.Enqueue(ctx, KindColor, "5", "", 0, 0)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if !created {
		t.Fatal("succeeded job must not block a new enqueue")
	}
}

func TestEnqueue_RejectsUnknownKind(t *testing.T) {
	mock := newJobMock()
	s, _ := newTestStore(mock)
	if _, _, err := s.Enqueue(context.Background(), ResourceKind("bogus"), "x", "", 0, 0); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestClaim_CASExclusivity(t *testing.T) {
	mock := newJobMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	seed, _, err := s.Enqueue(ctx, KindPart, "3001", "", 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var wins, losses int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := *seed // each worker read the same pending state
			err := s.Claim(ctx, &job)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrClaimLost):
				atomic.AddInt32(&losses, 1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner and one loser, got wins=%d losses=%d", wins, losses)
	}
}

func TestMarkFailed_BackoffAndRequeue(t *testing.T) {
	mock := newJobMock()
	s, now := newTestStore(mock)
	ctx := context.Background()

	job, _, err := s.Enqueue(ctx, KindPart, "3001", "", 0, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Claim(ctx, job); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.MarkFailed(ctx, job, errors.New("quota exceeded")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	stored := mock.jobs[job.ID]
	if stored.Status != StatusPending || stored.Attempt != 1 {
		t.Fatalf("expected pending attempt=1, got %+v", stored)
	}
	if stored.LastError != "quota exceeded" {
		t.Fatalf("last_error not recorded: %q", stored.LastError)
	}
	// attempt was 0: delay = 1s (+0 jitter)
	if want := now.Add(time.Second).UnixMilli(); stored.NextAttemptAt != want {
		t.Fatalf("next_attempt_at=%d want %d", stored.NextAttemptAt, want)
	}
	if stored.ClaimedAt != 0 {
		t.Fatalf("claimed_at must clear on failure, got %d", stored.ClaimedAt)
	}
}

func TestBackoff_CappedExponential(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute}, // 512s capped
		{20, 5 * time.Minute},
		{64, 5 * time.Minute}, // shift overflow guard
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt); got != tc.want {
			t.Fatalf("Backoff(%d)=%s want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDuePending_OrderAndDueness(t *testing.T) {
	mock := newJobMock()
	s, now := newTestStore(mock)
	ctx := context.Background()

	low, _, _ := s.Enqueue(ctx, KindPart, "low", "", 0, 0)
	high, _, _ := s.Enqueue(ctx, KindPart, "high", "", 5, 0)

	// a job with a future next_attempt_at must not be returned
	future, _, _ := s.Enqueue(ctx, KindPart, "future", "", 9, 0)
	mock.jobs[future.ID].NextAttemptAt = now.Add(time.Hour).UnixMilli()

	jobs, err := s.DuePending(ctx, *now, 10)
	if err != nil {
		t.Fatalf("due pending: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(jobs))
	}
	if jobs[0].ID != high.ID || jobs[1].ID != low.ID {
		t.Fatalf("priority order wrong: %s, %s", jobs[0].PrimaryKey, jobs[1].PrimaryKey)
	}
}

func TestReclaimStale(t *testing.T) {
	mock := newJobMock()
	s, now := newTestStore(mock)
	ctx := context.Background()

	job, _, _ := s.Enqueue(ctx, KindPart, "3001", "", 0, 0)
	if err := s.Claim(ctx, job); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// too recent to reclaim
	n, err := s.ReclaimStale(ctx, *now)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh claim reclaimed: %d", n)
	}

	// past the lease: reclaimed back to pending with backoff applied
	n, err = s.ReclaimStale(ctx, now.Add(claimLease+time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	stored := mock.jobs[job.ID]
	if stored.Status != StatusPending || stored.Attempt != 1 {
		t.Fatalf("reclaimed job wrong: %+v", stored)
	}
}

func TestGet(t *testing.T) {
	mock := newJobMock()
	s, _ := newTestStore(mock)
	ctx := context.Background()

	job, _, _ := s.Enqueue(ctx, KindCategory, "11", "", 0, 0)
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("get mismatch: %+v", got)
	}

	missing, err := s.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing job, got %+v, %v", missing, err)
	}
}
