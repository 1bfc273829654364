package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"price-extractor/extractor"
	"price-extractor/internal/types"
	"price-extractor/normalizer"
)

// Writer persists validated records.
type Writer interface {
	Write(ctx context.Context, records []types.PriceRecord) (*types.WriteResult, error)
}

// Pipeline runs fetch, extract, normalize and write for every target.
type Pipeline struct {
	config     *types.Config
	fetcher    types.Fetcher
	normalizer *normalizer.Normalizer
	writer     Writer
	logger     logrus.FieldLogger

	now func() time.Time
}

// New creates a new pipeline
func New(config *types.Config, fetcher types.Fetcher, n *normalizer.Normalizer, writer Writer, logger logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		config:     config,
		fetcher:    fetcher,
		normalizer: n,
		writer:     writer,
		logger:     logger,
		now:        time.Now,
	}
}

// Run processes targets under the configured concurrency bound and run
// deadline. A failing target never affects the others; only a storage
// failure stops the run. The returned report is final.
func (p *Pipeline) Run(ctx context.Context, targets []*types.Target) *types.RunReport {
	report := &types.RunReport{
		RunID:       uuid.NewString(),
		StartedAt:   p.now().UTC(),
		Mode:        p.config.Mode,
		MergePolicy: p.config.MergePolicy,
		Targets:     make([]types.TargetOutcome, len(targets)),
	}
	log := p.logger.WithField("run_id", report.RunID)
	log.Infof("Starting run over %d targets (concurrency %d, deadline %s)",
		len(targets), p.config.MaxConcurrentRequests, p.config.RunDeadline)

	runCtx, cancel := context.WithTimeout(ctx, p.config.RunDeadline)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(p.config.MaxConcurrentRequests)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			outcome, err := p.runTarget(gctx, target)
			report.Targets[i] = outcome
			return err
		})
	}

	if err := g.Wait(); err != nil {
		report.FatalError = err.Error()
		log.WithError(err).Error("Run aborted")
	}

	report.FinishedAt = p.now().UTC()
	report.Summarize()
	report.Status = p.overallStatus(report)

	log.Infof("Run finished in %s: %s (%d written, %d unchanged, %d failed, %d skipped)",
		report.Duration().Round(time.Millisecond), report.Status,
		report.Totals.Written, report.Totals.Unchanged, report.Totals.Failed, report.Totals.Skipped)
	return report
}

// runTarget processes one target's pages in order. The returned error is
// non-nil only when the store can no longer accept writes.
func (p *Pipeline) runTarget(ctx context.Context, target *types.Target) (types.TargetOutcome, error) {
	urls := target.URLs()
	out := types.TargetOutcome{
		TargetID:  target.ID,
		StartedAt: p.now().UTC(),
		Pages:     len(urls),
	}
	log := p.logger.WithField("target", target.ID)

	if ctx.Err() != nil {
		return p.skip(ctx, out), nil
	}
	log.Infof("Processing target: %s", target.Location)

	limiter := pageLimiter(target.Delay, p.config.RequestDelay)
	seen := make(map[types.Key]bool)

	for _, url := range urls {
		if err := limiter.Wait(ctx); err != nil {
			return p.skip(ctx, out), nil
		}

		content, attempts, err := p.fetch(ctx, target, url)
		out.Attempts += attempts
		if err != nil {
			if ctx.Err() != nil {
				return p.skip(ctx, out), nil
			}
			log.WithFields(logrus.Fields{"url": url, "kind": types.KindOf(err)}).Warnf("Fetch failed after %d attempts: %v", attempts, err)
			out.PageErrors = append(out.PageErrors, pageError(url, attempts, err))
			continue
		}
		out.Fetched++

		candidates, err := extractor.Extract(target, content)
		if err != nil {
			log.WithFields(logrus.Fields{"url": url, "kind": types.KindOf(err)}).Warnf("Extraction failed: %v", err)
			out.PageErrors = append(out.PageErrors, pageError(url, 0, err))
			continue
		}
		out.Extracted += len(candidates)

		var records []types.PriceRecord
		for i := range candidates {
			c := &candidates[i]
			rec, err := p.normalizer.Normalize(target, c, content.FetchedAt)
			if err != nil {
				out.Rejected++
				itemID, _ := c.Get(types.FieldItemID)
				out.Rejections = append(out.Rejections, types.Rejection{
					URL:      url,
					Position: c.Position,
					ItemID:   itemID,
					Kind:     types.KindOf(err),
					Message:  err.Error(),
				})
				log.WithField("position", c.Position).Debugf("Rejected candidate: %v", err)
				continue
			}
			out.Validated++
			if seen[rec.Key()] {
				out.Duplicates++
				continue
			}
			seen[rec.Key()] = true
			records = append(records, *rec)
		}
		if len(records) == 0 {
			continue
		}

		res, err := p.writer.Write(ctx, records)
		if res != nil {
			out.Written += res.Written
			out.Unchanged += res.Unchanged
			out.Superseded += res.Superseded
			out.Conflicts = append(out.Conflicts, res.Conflicts...)
		}
		if err != nil {
			var we *types.WriteError
			if errors.As(err, &we) && we.Fatal() {
				out.Status = types.TargetFailed
				out.ErrorKind = we.Kind
				out.FinishedAt = p.now().UTC()
				log.WithError(err).Error("Store unavailable")
				return out, err
			}
			return p.skip(ctx, out), nil
		}
		log.Debugf("Page %s: %d written, %d unchanged, %d conflicts", url, res.Written, res.Unchanged, len(res.Conflicts))
	}

	p.settle(&out)
	out.FinishedAt = p.now().UTC()
	log.Infof("Target %s: %s (%d written, %d unchanged, %d rejected)", target.ID, out.Status, out.Written, out.Unchanged, out.Rejected)
	return out, nil
}

// fetch retries retryable failures with exponential backoff. MaxRetries is
// the total number of attempts.
func (p *Pipeline) fetch(ctx context.Context, target *types.Target, url string) (*types.RenderedContent, int, error) {
	backoff := p.config.RetryBackoff
	for attempt := 1; ; attempt++ {
		content, err := p.fetcher.Fetch(ctx, target, url)
		if err == nil {
			return content, attempt, nil
		}
		if ctx.Err() != nil || attempt >= p.config.MaxRetries || !retryable(err) {
			return nil, attempt, err
		}

		p.logger.WithFields(logrus.Fields{
			"target":  target.ID,
			"url":     url,
			"attempt": attempt,
			"kind":    types.KindOf(err),
		}).Warnf("Fetch failed, retrying in %s", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, err
		case <-timer.C:
		}
		backoff *= 2
		if p.config.MaxRetryBackoff > 0 && backoff > p.config.MaxRetryBackoff {
			backoff = p.config.MaxRetryBackoff
		}
	}
}

func retryable(err error) bool {
	var fe *types.FetchError
	return errors.As(err, &fe) && fe.Retryable()
}

// pageLimiter spaces page requests of one target. The first page is not
// delayed.
func pageLimiter(targetDelay, fallback time.Duration) *rate.Limiter {
	delay := targetDelay
	if delay == 0 {
		delay = fallback
	}
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func pageError(url string, attempts int, err error) types.PageError {
	return types.PageError{
		URL:      url,
		Kind:     types.KindOf(err),
		Attempts: attempts,
		Message:  err.Error(),
	}
}

// skip marks a target that could not finish because the run stopped.
func (p *Pipeline) skip(ctx context.Context, out types.TargetOutcome) types.TargetOutcome {
	out.Status = types.TargetSkipped
	out.ErrorKind = stopReason(ctx)
	out.FinishedAt = p.now().UTC()
	return out
}

func stopReason(ctx context.Context) types.ErrorKind {
	cause := context.Cause(ctx)
	switch {
	case types.KindOf(cause) == types.KindStorageUnavailable:
		return types.KindStorageUnavailable
	case errors.Is(cause, context.DeadlineExceeded):
		return types.KindDeadlineExceeded
	default:
		return types.KindCanceled
	}
}

// settle derives the status of a target that ran to completion.
func (p *Pipeline) settle(out *types.TargetOutcome) {
	switch {
	case out.Stored() > 0 || len(out.Conflicts) > 0:
		out.Status = types.TargetSucceeded
		if len(out.Conflicts) > 0 {
			out.ErrorKind = types.KindKeyConflict
		}
	case out.Fetched == 0:
		out.Status = types.TargetFailed
		out.ErrorKind = lastPageErrorKind(out)
	case out.Extracted == 0:
		out.ErrorKind = lastPageErrorKind(out)
		if out.ErrorKind == types.KindNoRecordsFound {
			out.Status = types.TargetNoData
		} else {
			out.Status = types.TargetFailed
		}
	case out.Validated == 0:
		out.Status = types.TargetFailed
		out.ErrorKind = out.Rejections[0].Kind
	default:
		out.Status = types.TargetNoData
	}
}

func lastPageErrorKind(out *types.TargetOutcome) types.ErrorKind {
	if len(out.PageErrors) == 0 {
		return ""
	}
	return out.PageErrors[len(out.PageErrors)-1].Kind
}

func (p *Pipeline) overallStatus(report *types.RunReport) types.RunStatus {
	t := report.Totals
	switch {
	case report.FatalError != "":
		return types.RunAborted
	case t.Succeeded == t.Targets:
		return types.RunSucceeded
	case p.config.FailThreshold > 0 && float64(t.Failed)/float64(t.Targets) > p.config.FailThreshold:
		return types.RunFailed
	case t.Succeeded > 0:
		return types.RunPartial
	default:
		return types.RunFailed
	}
}
