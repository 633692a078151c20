// Package revalidate turns revalidation requests into cache invalidations:
// classification, cascade expansion, batching, activity logging and the
// serialising async queue.
package revalidate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"revalidator/internal/warming"
)

var validate = validator.New()

// ErrInvalidRequest marks a request that cannot be executed as submitted.
var ErrInvalidRequest = errors.New("invalid request")

type Kind string

const (
	KindManual    Kind = "manual"
	KindWebhook   Kind = "webhook"
	KindScheduled Kind = "scheduled"
)

type TargetType string

const (
	TargetPath      TargetType = "path"
	TargetTag       TargetType = "tag"
	TargetSelective TargetType = "selective"
	TargetAll       TargetType = "all"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Options struct {
	// Cascade defaults to true when unset.
	Cascade   *bool    `json:"cascade,omitempty"`
	WarmAfter bool     `json:"warmAfter,omitempty"`
	Priority  Priority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	BatchSize int      `json:"batchSize,omitempty" validate:"omitempty,min=1,max=100"`
}

func (o Options) CascadeEnabled() bool { return o.Cascade == nil || *o.Cascade }

type Metadata struct {
	ClientID    string    `json:"clientId,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Request is built once at the boundary and read-only afterwards.
type Request struct {
	ID         string     `json:"id,omitempty"`
	Kind       Kind       `json:"kind" validate:"required,oneof=manual webhook scheduled"`
	Source     string     `json:"source"`
	TargetType TargetType `json:"targetType" validate:"required,oneof=path tag selective all"`
	Targets    []string   `json:"targets,omitempty" validate:"required_unless=TargetType all,dive,required"`
	Options    Options    `json:"options"`
	Metadata   Metadata   `json:"metadata"`
}

// Validate checks the request shape. Errors wrap ErrInvalidRequest.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.TargetType != TargetAll && len(r.Targets) == 0 {
		return fmt.Errorf("%w: targets required for %s", ErrInvalidRequest, r.TargetType)
	}
	for _, t := range r.Targets {
		switch {
		case r.TargetType == TargetPath && !isPath(t):
			return fmt.Errorf("%w: path %q must start with /", ErrInvalidRequest, t)
		case r.TargetType == TargetTag && isPath(t):
			return fmt.Errorf("%w: tag %q must not start with /", ErrInvalidRequest, t)
		}
	}
	return nil
}

// Action renders the request as "<targetType>:<targets>" for the log.
func (r Request) Action() string {
	if r.TargetType == TargetAll {
		return string(TargetAll) + ":*"
	}
	return string(r.TargetType) + ":" + strings.Join(r.Targets, ",")
}

type Result struct {
	Success          bool                   `json:"success"`
	RevalidatedPaths []string               `json:"revalidatedPaths"`
	RevalidatedTags  []string               `json:"revalidatedTags"`
	WarmedTargets    []string               `json:"warmedTargets,omitzero"`
	Warming          *warming.SessionResult `json:"warming,omitempty"`
	FailedOperations []string               `json:"failedOperations"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	RequestID        string                 `json:"requestId"`
}

type LogResult string

const (
	LogSuccess LogResult = "success"
	LogPartial LogResult = "partial"
	LogFailed  LogResult = "failed"
)

type LogEntry struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"requestId"`
	Timestamp        time.Time `json:"timestamp"`
	Kind             Kind      `json:"kind"`
	Source           string    `json:"source"`
	Action           string    `json:"action"`
	Targets          []string  `json:"targets"`
	Result           LogResult `json:"result"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Error            string    `json:"error,omitempty"`
}

func isPath(target string) bool { return strings.HasPrefix(target, "/") }

// set keeps first-insertion order.
type set struct {
	seen  map[string]struct{}
	items []string
}

func newSet() *set { return &set{seen: map[string]struct{}{}} }

func (s *set) add(v string) {
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}

func (s *set) has(v string) bool {
	_, ok := s.seen[v]
	return ok
}

func (s *set) list() []string {
	if s.items == nil {
		return []string{}
	}
	return s.items
}
