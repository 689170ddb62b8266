package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	internalaws "github.com/partstream/catalog-sync/internal/aws"
	"github.com/partstream/catalog-sync/internal/freshness"
	"github.com/partstream/catalog-sync/internal/outbox"
)

const (
	// jobs claimed per sweep invocation
	batchSize = 10
	// expired records enqueued per sweep by the stale scan
	staleScanLimit = 25
)

// Processor drains the refresh outbox: the periodic sweep claims batches of
// due jobs, the SQS path runs single jobs enqueued for immediate execution.
// Concurrent invocations coordinate only through the CAS claim on job state.
type Processor struct {
	jobs    JobQueue
	catalog Catalog
	fetcher Fetcher
	metrics *internalaws.Metrics
	nowFunc func() time.Time
}

// NewProcessor wires a Processor.
func NewProcessor(jobs JobQueue, cat Catalog, fetcher Fetcher, metrics *internalaws.Metrics) *Processor {
	return &Processor{
		jobs:    jobs,
		catalog: cat,
		fetcher: fetcher,
		metrics: metrics,
		nowFunc: time.Now,
	}
}

// Sweep is one scheduled worker invocation: reclaim abandoned claims, top up
// the queue from the stale scan, then claim and process a batch of due jobs.
func (p *Processor) Sweep(ctx context.Context) error {
	now := p.nowFunc()

	if n, err := p.jobs.ReclaimStale(ctx, now); err != nil {
		log.Printf("[worker] reclaim stale: %v", err)
	} else if n > 0 {
		log.Printf("[worker] reclaimed %d abandoned jobs", n)
	}

	if err := p.enqueueExpired(ctx, now); err != nil {
		log.Printf("[worker] stale scan: %v", err)
	}

	jobs, err := p.jobs.DuePending(ctx, now, batchSize)
	if err != nil {
		return fmt.Errorf("select due jobs: %w", err)
	}
	log.Printf("[worker] sweep: %d due jobs", len(jobs))

	for i := range jobs {
		job := &jobs[i]
		if err := p.jobs.Claim(ctx, job); err != nil {
			if errors.Is(err, outbox.ErrClaimLost) {
				continue // another worker got there first
			}
			return fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		p.runClaimed(ctx, job)
	}
	return nil
}

// HandleSQS processes immediate-refresh messages. Errors are swallowed per
// message where retrying the message cannot help (job gone, claim lost);
// anything else returns the error so the runtime redelivers.
func (p *Processor) HandleSQS(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Printf("[worker] message error: %v", err)
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	msg, err := internalaws.ParseRefreshMessage([]byte(rec.Body))
	if err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	log.Printf("[worker] immediate refresh job=%s kind=%s key=%s corr=%s",
		msg.JobID, msg.ResourceKind, msg.PrimaryKey, msg.CorrelationID)

	job, err := p.jobs.Get(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("fetch job %s: %w", msg.JobID, err)
	}
	if job == nil {
		log.Printf("[worker] job %s no longer exists, dropping message", msg.JobID)
		return nil
	}
	if job.Status != outbox.StatusPending || job.NextAttemptAt > p.nowFunc().UnixMilli() {
		// already handled by a sweep, or backing off; the sweep owns it now
		return nil
	}
	if err := p.jobs.Claim(ctx, job); err != nil {
		if errors.Is(err, outbox.ErrClaimLost) {
			return nil
		}
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	p.runClaimed(ctx, job)
	return nil
}

// runClaimed executes one claimed job and records the outcome. Every error
// kind takes the same backoff path; the job itself never fails the sweep.
func (p *Processor) runClaimed(ctx context.Context, job *outbox.RefreshJob) {
	started := p.nowFunc()
	err := p.execute(ctx, job)
	elapsed := p.nowFunc().Sub(started)

	if err != nil {
		if job.Attempt+1 >= outbox.AttemptAlertThreshold() {
			log.Printf("[worker] ALERT job=%s kind=%s key=%s attempt=%d still failing: %v",
				job.ID, job.ResourceKind, job.PrimaryKey, job.Attempt+1, err)
		}
		p.metrics.Count(ctx, "RefreshFailure", 1, map[string]string{"Kind": job.ResourceKind})
		if markErr := p.jobs.MarkFailed(ctx, job, err); markErr != nil && !errors.Is(markErr, outbox.ErrClaimLost) {
			log.Printf("[worker] mark failed job=%s: %v", job.ID, markErr)
		}
		return
	}

	p.metrics.Latency(ctx, "RefreshLatency", elapsed, map[string]string{"Kind": job.ResourceKind})
	if markErr := p.jobs.MarkSucceeded(ctx, job); markErr != nil && !errors.Is(markErr, outbox.ErrClaimLost) {
		log.Printf("[worker] mark succeeded job=%s: %v", job.ID, markErr)
	}
	log.Printf("[worker] refreshed kind=%s key=%s in %s", job.ResourceKind, job.PrimaryKey, elapsed)
}

// execute performs the fetch+merge for one job. The quota gate sits inside
// the marketplace client: a rejection surfaces here before any work is done
// and rides the normal failure path into backoff.
func (p *Processor) execute(ctx context.Context, job *outbox.RefreshJob) error {
	now := p.nowFunc()
	switch outbox.ResourceKind(job.ResourceKind) {
	case outbox.KindPart:
		snap, err := p.fetcher.FetchPart(ctx, job.PrimaryKey)
		if err != nil {
			return err
		}
		_, err = p.catalog.MergePart(ctx, snap, now)
		return err

	case outbox.KindPartColors:
		// bulk row refresh: stamp the row lock so readers see the refresh
		if err := p.catalog.AcquireRefreshLock(ctx, job.PrimaryKey); err != nil {
			return err
		}
		defer func() {
			if relErr := p.catalog.ReleaseRefreshLock(ctx, job.PrimaryKey); relErr != nil {
				log.Printf("[worker] release refresh lock %s: %v", job.PrimaryKey, relErr)
			}
		}()
		snap, err := p.fetcher.FetchPart(ctx, job.PrimaryKey)
		if err != nil {
			return err
		}
		_, err = p.catalog.MergePart(ctx, snap, now)
		return err

	case outbox.KindPartPrices:
		colorID, condition, guideType, err := splitPriceKey(job.SecondaryKey)
		if err != nil {
			return err
		}
		if err := p.catalog.AcquireRefreshLock(ctx, job.PrimaryKey); err != nil {
			return err
		}
		defer func() {
			if relErr := p.catalog.ReleaseRefreshLock(ctx, job.PrimaryKey); relErr != nil {
				log.Printf("[worker] release refresh lock %s: %v", job.PrimaryKey, relErr)
			}
		}()
		snap, err := p.fetcher.FetchPartPrices(ctx, job.PrimaryKey, colorID, condition, guideType)
		if err != nil {
			return err
		}
		_, err = p.catalog.MergePrice(ctx, snap, now)
		return err

	case outbox.KindColor:
		snap, err := p.fetcher.FetchColor(ctx, job.PrimaryKey)
		if err != nil {
			return err
		}
		_, err = p.catalog.MergeColor(ctx, snap, now)
		return err

	case outbox.KindCategory:
		snap, err := p.fetcher.FetchCategory(ctx, job.PrimaryKey)
		if err != nil {
			return err
		}
		_, err = p.catalog.MergeCategory(ctx, snap, now)
		return err

	default:
		return fmt.Errorf("unknown resource kind %q", job.ResourceKind)
	}
}

// enqueueExpired tops the queue up with refreshes for records whose
// last_updated has aged past the expired threshold.
func (p *Processor) enqueueExpired(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-freshness.StaleWindow).UnixMilli()
	partNos, err := p.catalog.ScanExpiredParts(ctx, cutoff, staleScanLimit)
	if err != nil {
		return err
	}
	for _, no := range partNos {
		if _, created, err := p.jobs.Enqueue(ctx, outbox.KindPart, no, "", 0, 0); err != nil {
			return err
		} else if created {
			log.Printf("[worker] stale scan enqueued part=%s", no)
		}
	}
	return nil
}

// splitPriceKey parses the colorID#condition#guideType secondary key.
func splitPriceKey(secondary string) (colorID, condition, guideType string, err error) {
	parts := strings.Split(secondary, "#")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed price key %q", secondary)
	}
	if _, convErr := strconv.Atoi(parts[0]); convErr != nil {
		return "", "", "", fmt.Errorf("malformed color id in price key %q", secondary)
	}
	return parts[0], parts[1], parts[2], nil
}
