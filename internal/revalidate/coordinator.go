package revalidate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"revalidator/internal/backend"
	"revalidator/internal/config"
	"revalidator/internal/metrics"
	"revalidator/internal/warming"
)

var tracer = otel.Tracer("revalidator.revalidate")

// Warmer re-primes the critical targets after an invalidation.
type Warmer interface {
	WarmCritical(ctx context.Context) warming.SessionResult
}

type Coordinator struct {
	backend    backend.Backend
	graph      *Graph
	selective  *Selective
	tagPaths   map[string][]string
	knownPaths []string
	knownTags  []string
	batchSize  int

	warmer  Warmer
	log     *ActivityLog
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewCoordinator wires the revalidation section of the config to b. warmer
// and log may be nil.
func NewCoordinator(cfg config.Revalidation, b backend.Backend, warmer Warmer, log *ActivityLog, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	g := NewGraph(cfg.Cascade)
	return &Coordinator{
		backend:    b,
		graph:      g,
		selective:  NewSelective(b, g, cfg.BatchDelayDur, m, logger),
		tagPaths:   cfg.TagPaths,
		knownPaths: cfg.KnownPaths,
		knownTags:  cfg.KnownTags,
		batchSize:  cfg.BatchSize,
		warmer:     warmer,
		log:        log,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Execute processes req and always returns a result. Panics raised below it
// are reported as a "system:" failure. Each call appends one log entry.
// Once started it runs to completion even if ctx is cancelled.
func (c *Coordinator) Execute(ctx context.Context, req Request) (res Result) {
	ctx = context.WithoutCancel(ctx)
	start := c.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "revalidate.Execute", trace.WithAttributes(
		attribute.String("request_id", req.ID),
		attribute.String("kind", string(req.Kind)),
		attribute.String("target_type", string(req.TargetType)),
		attribute.Int("targets", len(req.Targets)),
	))
	defer span.End()

	res = Result{RequestID: req.ID}
	paths, tags := newSet(), newSet()
	var failed []string

	sysErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%v", r)
			}
		}()
		c.dispatch(ctx, req, paths, tags, &failed)
		if req.Options.WarmAfter {
			res.WarmedTargets = []string{}
		}
		if req.Options.WarmAfter && c.warmer != nil {
			sess := c.warmer.WarmCritical(ctx)
			res.Warming = &sess
			res.WarmedTargets = append(res.WarmedTargets, sess.Succeeded()...)
			for _, id := range sess.Failed() {
				failed = append(failed, "warm:"+id)
				c.metrics.TargetFailure("warm")
			}
		}
		return nil
	}()
	if sysErr != nil {
		failed = append(failed, "system:"+sysErr.Error())
		c.metrics.TargetFailure("system")
		span.RecordError(sysErr)
	}

	res.RevalidatedPaths = paths.list()
	res.RevalidatedTags = tags.list()
	res.FailedOperations = failed
	if res.FailedOperations == nil {
		res.FailedOperations = []string{}
	}
	res.Success = len(failed) == 0
	elapsed := c.now().Sub(start)
	res.ProcessingTimeMs = elapsed.Milliseconds()

	outcome := LogSuccess
	succeeded := len(res.RevalidatedPaths) + len(res.RevalidatedTags) + len(res.WarmedTargets)
	switch {
	case sysErr != nil:
		outcome = LogFailed
	case len(failed) > 0 && succeeded == 0:
		outcome = LogFailed
	case len(failed) > 0:
		outcome = LogPartial
	}

	entry := LogEntry{
		ID:               uuid.NewString(),
		RequestID:        req.ID,
		Timestamp:        start.UTC(),
		Kind:             req.Kind,
		Source:           req.Source,
		Action:           req.Action(),
		Targets:          append([]string(nil), req.Targets...),
		Result:           outcome,
		ProcessingTimeMs: res.ProcessingTimeMs,
	}
	if sysErr != nil {
		entry.Error = sysErr.Error()
	} else if len(failed) > 0 {
		entry.Error = "failed: " + strings.Join(failed, ", ")
	}
	if c.log != nil {
		c.log.Append(entry)
	}

	c.metrics.ObserveRevalidation(string(req.Kind), string(req.TargetType), string(outcome), elapsed)
	span.SetAttributes(attribute.Int("failed", len(failed)))
	if !res.Success {
		span.SetStatus(codes.Error, entry.Error)
	}
	c.logger.Info("revalidation finished",
		"request_id", req.ID,
		"kind", req.Kind,
		"source", req.Source,
		"target_type", req.TargetType,
		"targets", req.Targets,
		"result", outcome,
		"failed", len(failed),
		"duration_ms", res.ProcessingTimeMs,
	)
	return res
}

func (c *Coordinator) dispatch(ctx context.Context, req Request, paths, tags *set, failed *[]string) {
	call := func(target string) bool {
		return invalidateOne(ctx, c.backend, target, paths, tags, failed, c.metrics, c.logger)
	}

	switch req.TargetType {
	case TargetPath:
		for _, p := range req.Targets {
			call(p)
		}

	case TargetTag:
		for _, tag := range req.Targets {
			if !call(tag) || !req.Options.CascadeEnabled() {
				continue
			}
			for _, rel := range c.tagDependents(tag) {
				if !paths.has(rel) && !tags.has(rel) {
					call(rel)
				}
			}
		}

	case TargetSelective:
		size := req.Options.BatchSize
		if size <= 0 {
			size = c.batchSize
		}
		out := c.selective.Run(ctx, req.Targets, req.Options.CascadeEnabled(), size)
		for _, p := range out.Paths {
			paths.add(p)
		}
		for _, t := range out.Tags {
			tags.add(t)
		}
		*failed = append(*failed, out.Failed...)

	case TargetAll:
		for _, p := range c.knownPaths {
			call(p)
		}
		for _, t := range c.knownTags {
			call(t)
		}

	default:
		panic(fmt.Sprintf("unknown target type %q", req.TargetType))
	}
}

// tagDependents lists the paths rendered from tag followed by the targets
// the cascade table relates to it.
func (c *Coordinator) tagDependents(tag string) []string {
	out := newSet()
	for _, p := range c.tagPaths[tag] {
		out.add(p)
	}
	for _, r := range c.graph.RelatedOf(tag) {
		out.add(r)
	}
	return out.items
}

// KnownPaths and KnownTags expose the registries used by "all" requests.
func (c *Coordinator) KnownPaths() []string { return append([]string(nil), c.knownPaths...) }
func (c *Coordinator) KnownTags() []string  { return append([]string(nil), c.knownTags...) }
