package revalidate

import (
	"context"
	"log/slog"
	"time"

	"revalidator/internal/backend"
	"revalidator/internal/metrics"
)

// Outcome is what a selective run invalidated and what failed, as
// "path:<p>" / "tag:<t>" markers.
type Outcome struct {
	Paths   []string
	Tags    []string
	Failed  []string
	Batches int
}

// Selective invalidates mixed path/tag lists in paced batches.
type Selective struct {
	backend backend.Backend
	graph   *Graph
	delay   time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewSelective(b backend.Backend, g *Graph, batchDelay time.Duration, m *metrics.Metrics, logger *slog.Logger) *Selective {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selective{backend: b, graph: g, delay: batchDelay, metrics: m, logger: logger}
}

// Run never fails as a whole; a failing target is recorded and the rest of
// its batch continues. Batch N+1 starts only after batch N returned.
func (s *Selective) Run(ctx context.Context, targets []string, cascade bool, batchSize int) Outcome {
	if batchSize <= 0 {
		batchSize = 1
	}
	paths, tags := newSet(), newSet()
	var failed []string
	batches := 0

	for lo := 0; lo < len(targets); lo += batchSize {
		if lo > 0 && s.delay > 0 {
			t := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
		batches++
		hi := min(lo+batchSize, len(targets))
		for _, target := range targets[lo:hi] {
			if !s.invalidate(ctx, target, paths, tags, &failed) {
				continue
			}
			if !cascade || s.graph == nil {
				continue
			}
			for _, rel := range s.graph.RelatedOf(target) {
				if paths.has(rel) || tags.has(rel) {
					continue
				}
				s.invalidate(ctx, rel, paths, tags, &failed)
			}
		}
	}
	return Outcome{Paths: paths.list(), Tags: tags.list(), Failed: failed, Batches: batches}
}

func (s *Selective) invalidate(ctx context.Context, target string, paths, tags *set, failed *[]string) bool {
	return invalidateOne(ctx, s.backend, target, paths, tags, failed, s.metrics, s.logger)
}

// invalidateOne classifies target by its leading slash, calls the matching
// primitive and records the outcome.
func invalidateOne(ctx context.Context, b backend.Backend, target string, paths, tags *set, failed *[]string, m *metrics.Metrics, logger *slog.Logger) bool {
	var (
		err  error
		op   = "tag"
		dest = tags
	)
	if isPath(target) {
		op, dest = "path", paths
		err = b.InvalidatePath(ctx, target)
	} else {
		err = b.InvalidateTag(ctx, target)
	}
	if err != nil {
		*failed = append(*failed, op+":"+target)
		m.TargetFailure(op)
		logger.Warn("invalidation failed", "target", target, "op", op, "error", err)
		return false
	}
	dest.add(target)
	return true
}
