package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/refcrawler/internal/metrics"
	"github.com/JakeFAU/refcrawler/internal/progress"
)

// OrchestratorConfig tunes the per-URL state machine.
type OrchestratorConfig struct {
	TierOrder       []Tier
	DirectTimeout   time.Duration
	RenderedTimeout time.Duration
	ArchiveTimeout  time.Duration
	// TaskLimit bounds live per-URL goroutines; network operations are
	// bounded separately by the Limiter.
	TaskLimit int
	// SkipOnDNSFailure restricts unresolvable hosts to the archive tier.
	SkipOnDNSFailure bool
	// ArchiveOnlyHosts lists hosts known to be gone; they skip straight to
	// the archive tier. Entries are exact names or "*.suffix" patterns.
	ArchiveOnlyHosts []string
	// DirectBlockThreshold skips the direct tier for a host once it has
	// answered that many URLs with a blocked response. Zero disables it.
	DirectBlockThreshold int
	BlobPrefix           string
}

// Deps carries the collaborators injected into the Orchestrator. Strategies,
// Limiter, Retry and Store are required.
type Deps struct {
	Strategies []Strategy
	Limiter    *Limiter
	Retry      *RetryController
	Store      ResultStore
	Blobs      BlobStore
	Resolver   Resolver
	Hasher     Hasher
	Clock      Clock
	IDs        IDGenerator
	Emitter    progress.Emitter
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

// Orchestrator drives every canonical URL through the tier chain and
// persists one outcome per URL.
type Orchestrator struct {
	cfg        OrchestratorConfig
	order      []Tier
	strategies map[Tier]Strategy
	archived   *hostPatterns
	breaker    *hostBreaker
	limiter    *Limiter
	retry      *RetryController
	store      ResultStore
	blobs      BlobStore
	resolver   Resolver
	hasher     Hasher
	clock      Clock
	ids        IDGenerator
	emitter    progress.Emitter
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewOrchestrator validates deps and builds an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, deps Deps) (*Orchestrator, error) {
	if deps.Limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if deps.Retry == nil {
		return nil, errors.New("retry controller is required")
	}
	if deps.Store == nil {
		return nil, errors.New("result store is required")
	}
	strategies := make(map[Tier]Strategy, len(deps.Strategies))
	for _, s := range deps.Strategies {
		if s == nil {
			continue
		}
		strategies[s.Tier()] = s
	}
	if len(cfg.TierOrder) == 0 {
		cfg.TierOrder = DefaultTierOrder
	}
	var order []Tier
	for _, t := range cfg.TierOrder {
		if _, ok := strategies[t]; ok && indexOfTier(order, t) < 0 {
			order = append(order, t)
		}
	}
	if len(order) == 0 {
		return nil, errors.New("no strategy configured for any tier in the tier order")
	}
	if cfg.TaskLimit <= 0 {
		cfg.TaskLimit = 4 * deps.Limiter.Capacity()
	}
	o := &Orchestrator{
		cfg:        cfg,
		order:      order,
		strategies: strategies,
		archived:   newHostPatterns(cfg.ArchiveOnlyHosts),
		breaker:    newHostBreaker(cfg.DirectBlockThreshold),
		limiter:    deps.Limiter,
		retry:      deps.Retry,
		store:      deps.Store,
		blobs:      deps.Blobs,
		resolver:   deps.Resolver,
		hasher:     deps.Hasher,
		clock:      deps.Clock,
		ids:        deps.IDs,
		emitter:    deps.Emitter,
		tracer:     deps.Tracer,
		logger:     deps.Logger,
	}
	if o.clock == nil {
		o.clock = utcClock{}
	}
	if o.emitter == nil {
		o.emitter = progress.NopEmitter{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/JakeFAU/refcrawler/internal/crawler")
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}

// TierOrder returns the effective chain after dropping unconfigured tiers.
func (o *Orchestrator) TierOrder() []Tier {
	return append([]Tier(nil), o.order...)
}

// Run processes every distinct canonical URL in refs once.
func (o *Orchestrator) Run(ctx context.Context, refs []Reference) (RunSummary, error) {
	return o.RunTargets(ctx, Plan(refs))
}

// Backfill reprocesses up to limit stored failures (limit <= 0 means all),
// overwriting their outcomes in place.
func (o *Orchestrator) Backfill(ctx context.Context, limit int) (RunSummary, error) {
	failed, err := o.store.ListBySource(ctx, SourceFailed, limit)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list failed outcomes: %w", err)
	}
	targets := make([]Target, 0, len(failed))
	for _, outcome := range failed {
		target := Target{Canonical: outcome.CanonicalURL, RawURL: outcome.CanonicalURL, RecordIDs: outcome.RecordIDs}
		if _, err := Normalize(outcome.CanonicalURL); err != nil {
			target.Err = err
		}
		targets = append(targets, target)
	}
	return o.RunTargets(ctx, targets)
}

// RunTargets runs the state machine for each target with bounded concurrency
// and waits for all of them. Individual URL failures are recorded, never
// returned; the only error is ctx cancellation.
func (o *Orchestrator) RunTargets(ctx context.Context, targets []Target) (RunSummary, error) {
	runID := o.newRunID()
	summary := RunSummary{
		RunID:    runID.String(),
		Targets:  len(targets),
		BySource: make(map[Source]int),
		Started:  o.clock.Now(),
	}
	runBytes := progress.UUIDToBytes(runID)
	o.emitter.Emit(progress.Event{
		RunID: runBytes,
		TS:    summary.Started,
		Stage: progress.StageRunStart,
		Note:  fmt.Sprintf("%d targets", len(targets)),
	})
	logger := o.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("run starting", zap.Int("targets", len(targets)), zap.Any("tier_order", o.order))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.cfg.TaskLimit)
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, stored, ok := o.process(ctx, runBytes, target)
			if !ok {
				return nil
			}
			mu.Lock()
			summary.BySource[outcome.Source]++
			if !stored {
				summary.StoreErrors++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.Finished = o.clock.Now()
	o.emitter.Emit(progress.Event{
		RunID: runBytes,
		TS:    summary.Finished,
		Stage: progress.StageRunDone,
		Dur:   nonNegative(summary.Finished.Sub(summary.Started)),
		Note:  summaryNote(summary),
	})
	logger.Info("run finished",
		zap.Int("targets", summary.Targets),
		zap.Any("by_source", summary.BySource),
		zap.Int("store_errors", summary.StoreErrors),
	)
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("run interrupted: %w", err)
	}
	return summary, nil
}

// Process runs a single target to a terminal state and persists it. It
// returns false when the run was interrupted before the target finished.
func (o *Orchestrator) Process(ctx context.Context, target Target) (FetchOutcome, bool) {
	outcome, _, ok := o.process(ctx, progress.UUIDToBytes(o.newRunID()), target)
	return outcome, ok
}

func (o *Orchestrator) process(ctx context.Context, runID [16]byte, target Target) (FetchOutcome, bool, bool) {
	ctx, span := o.tracer.Start(ctx, "crawler.process", trace.WithAttributes(
		attribute.String("url", target.Canonical),
	))
	defer span.End()

	start := o.clock.Now()
	logger := o.logger.With(zap.String("url", target.Canonical))
	outcome := FetchOutcome{
		CanonicalURL: target.Canonical,
		RecordIDs:    target.RecordIDs,
	}

	var (
		page     Page
		won      Tier
		attempts int
		errs     []error
		state    = StatePending
	)
	if target.Err != nil {
		errs = append(errs, target.Err)
		state = StateFailed
	} else {
		plan, resolved := o.tierPlan(ctx, target.Canonical, logger)
		outcome.DomainResolved = resolved
		state = NextState(state, plan, false)
		for !state.Terminal() {
			tier := state.Tier()
			p, n, err := o.attemptTier(ctx, runID, target.Canonical, tier)
			attempts += n
			if err == nil {
				page, won = p, tier
			} else {
				errs = append(errs, err)
				logger.Debug("tier exhausted", zap.String("tier", string(tier)), zap.Int("attempts", n), zap.Error(err))
			}
			if ctx.Err() != nil {
				logger.Info("url interrupted", zap.String("state", string(state)))
				span.SetStatus(codes.Error, "interrupted")
				return FetchOutcome{}, false, false
			}
			state = NextState(state, plan, err == nil)
		}
	}

	outcome.Attempts = attempts
	outcome.FetchedAt = o.clock.Now()
	if state == StateSucceeded {
		o.fillSuccess(ctx, &outcome, won, page, logger)
	} else {
		fillFailure(&outcome, errs)
		span.SetStatus(codes.Error, outcome.Error)
	}
	span.SetAttributes(attribute.String("source", string(outcome.Source)))

	stored := o.persist(ctx, outcome, logger)
	o.emitter.Emit(progress.Event{
		RunID:       runID,
		TS:          outcome.FetchedAt,
		Stage:       progress.StageURLDone,
		Site:        Hostname(target.Canonical),
		URL:         target.Canonical,
		Result:      string(outcome.Source),
		StatusClass: statusClass(outcome.StatusCode),
		Bytes:       int64(len(page.Content)),
		Dur:         nonNegative(outcome.FetchedAt.Sub(start)),
		Note:        outcome.Error,
		RecordIDs:   target.RecordIDs,
	})
	return outcome, stored, true
}

// tierPlan returns the tiers to try for url and the DNS pre-check result,
// nil when no check ran or the lookup itself failed.
func (o *Orchestrator) tierPlan(ctx context.Context, canonical string, logger *zap.Logger) ([]Tier, *bool) {
	if o.archived.Matches(Hostname(canonical)) {
		logger.Debug("host is archive-only")
		return o.archiveOnly(), nil
	}
	if o.resolver == nil {
		return o.order, nil
	}
	release, err := o.limiter.Acquire(ctx, "")
	if err != nil {
		return o.order, nil
	}
	ok, err := o.resolver.Resolves(ctx, Hostname(canonical))
	release()
	if err != nil {
		logger.Debug("dns pre-check inconclusive", zap.Error(err))
		return o.order, nil
	}
	if ok {
		return o.order, &ok
	}
	metrics.ObserveDNSUnresolved()
	if !o.cfg.SkipOnDNSFailure {
		return o.order, &ok
	}
	logger.Debug("host does not resolve, trying archive only")
	return o.archiveOnly(), &ok
}

// archiveOnly is the effective order reduced to the archive tier; empty when
// the archive is not configured.
func (o *Orchestrator) archiveOnly() []Tier {
	var plan []Tier
	for _, t := range o.order {
		if t == TierArchive {
			plan = append(plan, t)
		}
	}
	return plan
}

// attemptTier runs tier unless the host breaker has closed the direct tier
// for this host.
func (o *Orchestrator) attemptTier(ctx context.Context, runID [16]byte, canonical string, tier Tier) (Page, int, error) {
	if tier != TierDirect || o.breaker == nil {
		return o.runTier(ctx, runID, canonical, tier)
	}
	host := Hostname(canonical)
	if o.breaker.Open(host) {
		return Page{}, 0, NewFetchError(tier, KindBlocked, canonical, errHostBlocked)
	}
	page, n, err := o.runTier(ctx, runID, canonical, tier)
	if ctx.Err() == nil && o.breaker.Record(host, err) && err != nil {
		o.logger.Debug("direct tier disabled for host", zap.String("host", host))
	}
	return page, n, err
}

func (o *Orchestrator) runTier(ctx context.Context, runID [16]byte, canonical string, tier Tier) (Page, int, error) {
	ctx, span := o.tracer.Start(ctx, "crawler.tier", trace.WithAttributes(
		attribute.String("tier", string(tier)),
	))
	defer span.End()

	strategy := o.strategies[tier]
	timeout := o.timeoutFor(tier)
	site := Hostname(canonical)

	attempt := func(ctx context.Context, n int) (Page, error) {
		release, err := o.limiter.Acquire(ctx, tier)
		if err != nil {
			return Page{}, NewFetchError(tier, KindNetwork, canonical, err)
		}
		defer release()

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		began := time.Now()
		page, err := strategy.Attempt(attemptCtx, canonical)
		if err != nil && KindOf(err) == KindChallenge {
			metrics.ObserveChallenge(string(tier))
		}

		result := "ok"
		if err != nil {
			result = string(KindOf(err))
		}
		evt := progress.Event{
			RunID:   runID,
			TS:      o.clock.Now(),
			Stage:   progress.StageAttempt,
			Site:    site,
			URL:     canonical,
			Tier:    string(tier),
			Attempt: n,
			Result:  result,
			Bytes:   int64(len(page.Content)),
			Dur:     time.Since(began),
		}
		if err != nil {
			evt.Note = err.Error()
		}
		if page.StatusCode > 0 {
			evt.StatusClass = progress.ClassifyStatus(page.StatusCode)
		}
		o.emitter.Emit(evt)
		return page, err
	}

	page, n, err := o.retry.Run(ctx, tier, attempt, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return page, n, err
}

func (o *Orchestrator) timeoutFor(tier Tier) time.Duration {
	var d time.Duration
	switch tier {
	case TierDirect:
		d = o.cfg.DirectTimeout
	case TierRendered:
		d = o.cfg.RenderedTimeout
	case TierArchive:
		d = o.cfg.ArchiveTimeout
	}
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

func (o *Orchestrator) fillSuccess(ctx context.Context, outcome *FetchOutcome, tier Tier, page Page, logger *zap.Logger) {
	kind := page.ContentKind
	if kind == "" || kind == ContentEmpty {
		kind = ClassifyContent(page.ContentType, outcome.CanonicalURL, page.Content)
	}
	if kind == ContentHTML && IsBinaryType(page.ContentType) {
		kind = ContentBinary
	}
	outcome.Source = SourceForTier(tier)
	outcome.Content = page.Content
	outcome.ContentKind = kind
	outcome.ContentType = page.ContentType
	outcome.FinalURL = page.FinalURL
	outcome.ArchiveURL = page.ArchiveURL
	if page.StatusCode > 0 {
		status := page.StatusCode
		outcome.StatusCode = &status
	}
	if o.hasher != nil {
		if sum, err := o.hasher.Hash(page.Content); err == nil {
			outcome.ContentHash = sum
		}
	}
	switch kind {
	case ContentHTML:
		outcome.Title = ExtractTitle(page.Content)
	case ContentBinary:
		// Once the bytes live in the blob store the row only points at them.
		if uri := o.storeBlob(ctx, *outcome, logger); uri != "" {
			outcome.BlobURI = uri
			outcome.Content = nil
		}
	}
}

func (o *Orchestrator) storeBlob(ctx context.Context, outcome FetchOutcome, logger *zap.Logger) string {
	if o.blobs == nil {
		return ""
	}
	name := outcome.ContentHash
	if name == "" {
		name = uuid.NewSHA1(uuid.NameSpaceURL, []byte(outcome.CanonicalURL)).String()
	}
	ext := path.Ext(strings.SplitN(path.Base(outcome.CanonicalURL), "?", 2)[0])
	if len(ext) > 6 {
		ext = ""
	}
	key := path.Join(o.cfg.BlobPrefix, name+strings.ToLower(ext))
	uri, err := o.blobs.PutObject(ctx, key, outcome.ContentType, bytes.NewReader(outcome.Content))
	if err != nil {
		logger.Warn("binary blob upload failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return uri
}

func fillFailure(outcome *FetchOutcome, errs []error) {
	outcome.Source = SourceFailed
	outcome.Content = nil
	outcome.ContentKind = ContentEmpty
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
		var fe *FetchError
		if errors.As(err, &fe) && fe.StatusCode > 0 {
			status := fe.StatusCode
			outcome.StatusCode = &status
		}
	}
	outcome.Error = strings.Join(msgs, "; ")
	if outcome.Error == "" {
		outcome.Error = "no tier available"
	}
}

// persist upserts the outcome, retrying once. A second failure is logged and
// the outcome dropped.
func (o *Orchestrator) persist(ctx context.Context, outcome FetchOutcome, logger *zap.Logger) bool {
	err := o.store.Upsert(ctx, outcome)
	if err == nil {
		return true
	}
	metrics.ObserveStoreWriteFailure(false)
	logger.Warn("result store write failed, retrying", zap.Error(err))
	if err = o.store.Upsert(ctx, outcome); err == nil {
		return true
	}
	metrics.ObserveStoreWriteFailure(true)
	logger.Error("result store write failed, discarding outcome",
		zap.String("source", string(outcome.Source)),
		zap.Error(err),
	)
	return false
}

func (o *Orchestrator) newRunID() uuid.UUID {
	if o.ids != nil {
		if id, err := o.ids.NewRawID(); err == nil {
			return id
		}
	}
	return uuid.New()
}

func statusClass(code *int) progress.StatusClass {
	if code == nil {
		return progress.StatusOther
	}
	return progress.ClassifyStatus(*code)
}

func summaryNote(s RunSummary) string {
	parts := make([]string, 0, len(s.BySource))
	for _, src := range []Source{SourceDirect, SourceRendered, SourceArchive, SourceFailed} {
		parts = append(parts, fmt.Sprintf("%s=%d", src, s.BySource[src]))
	}
	return strings.Join(parts, " ")
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type utcClock struct{}

func (utcClock) Now() time.Time {
	return time.Now().UTC()
}
