package lifecycle

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/waste-pickup/internal/events"
	"github.com/example/waste-pickup/internal/pricing"
	"github.com/example/waste-pickup/internal/validation"
)

// CompletionPolicy decides who may complete or hand back a COLLECTING job.
type CompletionPolicy int

const (
	// PolicyStrict lets only the holding collector resolve the job.
	PolicyStrict CompletionPolicy = iota
	// PolicyOpen lets anyone resolve any COLLECTING job. Demo and testing only.
	PolicyOpen
)

func (p CompletionPolicy) String() string {
	if p == PolicyOpen {
		return "open"
	}
	return "strict"
}

func ParsePolicy(s string) (CompletionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return PolicyStrict, nil
	case "open":
		return PolicyOpen, nil
	}
	return PolicyStrict, fmt.Errorf("unknown completion policy %q", s)
}

type Option func(*Engine)

func WithPricing(t pricing.Table) Option { return func(e *Engine) { e.prices = t } }

func WithLimits(l validation.Limits) Option { return func(e *Engine) { e.limits = l } }

func WithPolicy(p CompletionPolicy) Option { return func(e *Engine) { e.policy = p } }

func WithLocator(l Locator) Option { return func(e *Engine) { e.locator = l } }

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithClock replaces time.Now; pickup times are judged against it.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLocation sets the zone bare "HH:MM" pickup times are read in.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
