// Package pipeline drives pages through plan building, sanitization and
// verification, writing every artifact a run produces.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/artifacts"
	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/extract"
	"github.com/raaihank/piiswap/internal/mapping"
	"github.com/raaihank/piiswap/internal/pii"
	"github.com/raaihank/piiswap/internal/planner"
	"github.com/raaihank/piiswap/internal/sanitizer"
	"github.com/raaihank/piiswap/internal/verifier"
)

// Pipeline processes pages of one document
type Pipeline struct {
	builder   *planner.Builder
	extractor extract.Extractor
	compare   extract.Extractor
	layout    artifacts.Layout
	config    config.PipelineConfig
	sink      EventSink
	mirror    mapping.Store
	logger    *zap.Logger
}

// New creates a pipeline
func New(
	builder *planner.Builder,
	extractor extract.Extractor,
	layout artifacts.Layout,
	cfg config.PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{
		builder:   builder,
		extractor: extractor,
		layout:    layout,
		config:    cfg,
		logger:    logger,
	}
}

// WithSink sets the receiver of page and run events
func (p *Pipeline) WithSink(sink EventSink) *Pipeline {
	p.sink = sink
	return p
}

// WithMasterMirror copies the store's snapshot to master_pii.json after each
// run, for stores that keep the mapping outside the output directory
func (p *Pipeline) WithMasterMirror(store mapping.Store) *Pipeline {
	p.mirror = store
	return p
}

// WithComparison scores a second extraction of every page against the
// primary one
func (p *Pipeline) WithComparison(ex extract.Extractor) *Pipeline {
	p.compare = ex
	return p
}

// Run processes pages, or every page with a declarations file when pages is
// empty. A failing page never stops the others. The returned error is only
// set when the run itself could not proceed.
//
// Extraction runs on the workers. Plans are then built one page at a time in
// page order, so a fresh run mints the same dummies whatever the worker
// count. Sanitizing and verifying only read finished plans and run on the
// workers again.
func (p *Pipeline) Run(ctx context.Context, pages []pii.PageID) (*RunResult, error) {
	if len(pages) == 0 {
		discovered, err := p.layout.DiscoverPages()
		if err != nil {
			return nil, err
		}
		pages = discovered
	}

	result := &RunResult{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now(),
		TotalPages: len(pages),
		Pages:      make([]PageResult, len(pages)),
	}
	log := p.logger.With(zap.String("run_id", result.RunID))

	log.Info("Starting sanitization run",
		zap.Int("pages", len(pages)),
		zap.Int("workers", p.config.Workers),
		zap.String("output_dir", p.layout.Dir))

	jobs := make([]*pageJob, len(pages))
	for i, page := range pages {
		jobs[i] = p.newJob(page)
	}

	report := func(j *pageJob) {
		p.finish(j)
		if p.sink != nil {
			p.sink.PageDone(result.RunID, j.result)
		}
	}

	complete := p.parallel(ctx, jobs, func(j *pageJob) { p.load(ctx, j) })
	for _, j := range jobs {
		if !complete || ctx.Err() != nil {
			complete = false
			break
		}
		p.plan(ctx, j)
	}
	if complete {
		complete = p.parallel(ctx, jobs, func(j *pageJob) {
			p.apply(j)
			report(j)
		})
	}

	var comparisons []extract.Comparison
	for i, j := range jobs {
		if !j.finished {
			if !j.done {
				j.result.Fail(fmt.Errorf("not processed: %w", context.Cause(ctx)))
			}
			report(j)
		}
		r := j.result
		result.Pages[i] = r
		switch r.Status {
		case StatusCertified:
			result.Certified++
		case StatusSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
		if r.Comparison != nil {
			comparisons = append(comparisons, *r.Comparison)
		}
	}

	if avg, ok := extract.Average(comparisons); ok {
		result.Accuracy = &avg
		if err := artifacts.WriteJSON(p.layout.DocumentAccuracyPath(), avg); err != nil {
			log.Warn("Failed to write document accuracy", zap.Error(err))
		}
	}

	if p.mirror != nil {
		p.mirrorMaster(log)
	}

	result.Duration = time.Since(result.StartedAt)

	if err := artifacts.WriteJSON(p.layout.SummaryPath(), result); err != nil {
		log.Error("Failed to write run summary", zap.Error(err))
	}

	if p.sink != nil {
		p.sink.RunDone(result)
	}

	log.Info("Sanitization run completed",
		zap.Int("total_pages", result.TotalPages),
		zap.Int("certified", result.Certified),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))

	if !complete {
		return result, ctx.Err()
	}
	return result, nil
}

// pageJob carries one page through the stages of a run
type pageJob struct {
	result PageResult
	start  time.Time
	log    *zap.Logger
	decls  pii.Declarations
	raw    string
	plan   *pii.Plan

	// done is set once the outcome is known; later stages skip the page
	done bool
	// finished is set once the outcome has been logged
	finished bool
}

func (p *Pipeline) newJob(page pii.PageID) *pageJob {
	return &pageJob{
		result: PageResult{Page: page},
		start:  time.Now(),
		log:    p.logger.With(zap.String("page", string(page))),
	}
}

// fail ends the page with err and writes its report
func (p *Pipeline) fail(j *pageJob, err error) {
	j.result.Fail(err)
	j.done = true
	p.writeReport(j.log, j.result.Page, &j.result, nil)
}

// load reads the declarations and the page text
func (p *Pipeline) load(ctx context.Context, j *pageJob) {
	if j.done {
		return
	}
	page := j.result.Page

	decls, err := p.layout.ReadDeclarations(page)
	if errors.Is(err, fs.ErrNotExist) {
		j.result.Status = StatusSkipped
		j.done = true
		return
	}
	if err != nil {
		p.fail(j, err)
		return
	}
	j.decls = decls

	raw, err := p.pageText(ctx, p.extractor, page)
	if err != nil {
		p.fail(j, err)
		return
	}
	j.raw = raw

	if p.compare != nil {
		p.comparePage(ctx, j.log, page, raw, &j.result)
	}
}

// plan builds and writes the page plan
func (p *Pipeline) plan(ctx context.Context, j *pageJob) {
	if j.done {
		return
	}

	built, err := p.builder.Build(ctx, j.result.Page, j.decls)
	if err != nil {
		p.fail(j, err)
		return
	}
	j.result.Entries = built.Plan.Len()
	j.result.Minted = built.Minted
	j.result.Reused = built.Reused

	if err := p.layout.WritePlan(built.Plan); err != nil {
		p.fail(j, err)
		return
	}
	j.plan = built.Plan
}

// apply sanitizes the page with its plan and verifies the result
func (p *Pipeline) apply(j *pageJob) {
	if j.done {
		return
	}
	page := j.result.Page

	sanitized := sanitizer.Sanitize(j.raw, j.plan)
	if err := p.layout.WriteSanitized(page, sanitized.Text); err != nil {
		p.fail(j, err)
		return
	}

	verification := verifier.Verify(sanitized.Text, j.plan, j.raw)
	j.result.Replacements = verification.Replacements
	if err := verification.Err(); err != nil {
		j.result.Fail(err)
	} else {
		j.result.Status = StatusCertified
	}
	j.done = true
	p.writeReport(j.log, page, &j.result, verification)
}

// finish stamps the duration and logs the outcome
func (p *Pipeline) finish(j *pageJob) {
	j.finished = true
	j.result.Duration = time.Since(j.start)

	switch j.result.Status {
	case StatusCertified:
		j.log.Info("Page certified",
			zap.Int("entries", j.result.Entries),
			zap.Int("replacements", j.result.Replacements),
			zap.Duration("duration", j.result.Duration))
	case StatusSkipped:
		j.log.Warn("Page skipped: no declarations file")
	default:
		j.log.Error("Page failed",
			zap.String("error_kind", j.result.ErrorKind),
			zap.Error(j.result.Err))
	}
}

// parallel runs fn over jobs on the configured workers. It reports false if
// ctx was cancelled before every job was handed out.
func (p *Pipeline) parallel(ctx context.Context, jobs []*pageJob, fn func(*pageJob)) bool {
	queue := make(chan *pageJob)
	var wg sync.WaitGroup
	for w := 0; w < p.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				fn(j)
			}
		}()
	}

	complete := true
dispatch:
	for _, j := range jobs {
		if ctx.Err() != nil {
			complete = false
			break
		}
		select {
		case <-ctx.Done():
			complete = false
			break dispatch
		case queue <- j:
		}
	}
	close(queue)
	wg.Wait()
	return complete
}

// mirrorMaster writes the store's snapshot next to the page artifacts
func (p *Pipeline) mirrorMaster(log *zap.Logger) {
	master, err := p.mirror.Snapshot(context.Background())
	if err != nil {
		log.Error("Failed to snapshot master mapping", zap.Error(err))
		return
	}
	if err := artifacts.WriteJSON(p.layout.MasterPath(), master); err != nil {
		log.Error("Failed to write master mapping", zap.Error(err))
	}
}

// Reverify checks the plan and sanitized text already on disk for a page
// against freshly extracted raw text and rewrites its report
func (p *Pipeline) Reverify(ctx context.Context, page pii.PageID) (*verifier.Result, error) {
	plan, err := p.layout.ReadPlan(page)
	if err != nil {
		return nil, err
	}
	sanitized, err := p.layout.ReadSanitized(page)
	if err != nil {
		return nil, err
	}
	raw, err := p.pageText(ctx, p.extractor, page)
	if err != nil {
		return nil, err
	}

	verification := verifier.Verify(sanitized, plan, raw)
	result := PageResult{Page: page, Status: StatusCertified, Entries: plan.Len(), Replacements: verification.Replacements}
	if err := verification.Err(); err != nil {
		result.Fail(err)
	}
	p.writeReport(p.logger.With(zap.String("page", string(page))), page, &result, verification)

	return verification, nil
}

func (p *Pipeline) pageText(ctx context.Context, ex extract.Extractor, page pii.PageID) (string, error) {
	raw, err := ex.PageText(ctx, page)
	if err != nil {
		return "", err
	}
	if p.config.CleanText {
		raw = extract.Clean(raw)
	}
	return raw, nil
}

func (p *Pipeline) comparePage(ctx context.Context, log *zap.Logger, page pii.PageID, reference string, result *PageResult) {
	candidate, err := p.pageText(ctx, p.compare, page)
	if err != nil {
		log.Warn("No comparison text for page", zap.Error(err))
		return
	}

	c := extract.Compare(string(page), reference, candidate)
	result.Comparison = &c
	if err := artifacts.WriteJSON(p.layout.ComparisonPath(page), c); err != nil {
		log.Warn("Failed to write comparison", zap.Error(err))
	}
	log.Debug("Extraction compared", zap.Float64("accuracy", c.Accuracy))
}

func (p *Pipeline) writeReport(log *zap.Logger, page pii.PageID, result *PageResult, verification *verifier.Result) {
	report := Report{
		Page:         page,
		Status:       result.Status,
		ErrorKind:    result.ErrorKind,
		Error:        result.Error,
		Verification: verification,
		CheckedAt:    time.Now().UTC(),
	}
	if err := artifacts.WriteJSON(p.layout.VerificationPath(page), report); err != nil {
		log.Error("Failed to write verification report", zap.Error(err))
	}
}
