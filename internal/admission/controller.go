package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"aegis.org/internal/ids"
	"aegis.org/internal/obs"
)

const (
	defaultKeyPrefix = "aegis:rl"
	// counterSlack keeps a counter alive briefly past its window end.
	counterSlack = time.Second
)

// RuleSource provides the rules and bypass tokens. Lookups are expected to
// be cheap and are repeated on every request.
type RuleSource interface {
	EnabledRules(ctx context.Context) ([]Rule, error)
	// FindBypassToken returns ErrNotFound for unknown hashes.
	FindBypassToken(ctx context.Context, tokenHash string) (*BypassToken, error)
}

// Counter increments a windowed counter atomically and returns the new
// value. The key expires after ttl.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Request describes an inbound request for admission purposes.
type Request struct {
	Method      string
	Endpoint    string
	ClientIP    string
	SubjectID   string
	BypassToken string
}

// Decision is the outcome of Check. Limit and Remaining describe the rule
// closest to its quota; both are zero when no rule matched.
type Decision struct {
	Allowed    bool
	Bypassed   bool
	RetryAfter time.Duration
	Limit      int64
	Remaining  int64
	RuleID     string
}

// Err returns a *RateLimitedError for rejected decisions.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitedError{RetryAfter: d.RetryAfter, RuleID: d.RuleID}
}

// Controller evaluates requests against fixed-window rules.
//
// Window k of a rule with window W covers [k*W, (k+1)*W) measured from the
// Unix epoch, so a request at exactly (k+1)*W counts toward the next window.
// Every matching enabled rule is incremented, including on rejection, and
// the request is rejected if any of them is over quota. RetryAfter is the
// longest remaining time among violated windows, rounded up to whole seconds.
type Controller struct {
	rules   RuleSource
	counter Counter
	prefix  string
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithKeyPrefix namespaces counter keys.
func WithKeyPrefix(prefix string) Option {
	return func(c *Controller) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func NewController(rules RuleSource, counter Counter, opts ...Option) (*Controller, error) {
	if rules == nil || counter == nil {
		return nil, errors.New("admission: rule source and counter are required")
	}
	c := &Controller{
		rules:   rules,
		counter: counter,
		prefix:  defaultKeyPrefix,
		now:     time.Now,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("admission")
	return c, nil
}

// Check decides whether req is within quota.
func (c *Controller) Check(ctx context.Context, req Request) (Decision, error) {
	ctx, span := obs.Tracer().Start(ctx, "admission.Check")
	defer span.End()
	span.SetAttributes(attribute.String("http.route", req.Endpoint))

	rules, err := c.rules.EnabledRules(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load rate limit rules: %w", err)
	}
	bypass, err := c.bypass(ctx, req.BypassToken)
	if err != nil {
		return Decision{}, err
	}

	now := c.now()
	dec := Decision{Allowed: true}
	tightest := int64(-1)
	for _, rule := range rules {
		if !rule.Enabled || !rule.Matches(req.Method, req.Endpoint) {
			continue
		}
		if bypass != nil && bypass.Covers(rule.Strategy) {
			dec.Bypassed = true
			continue
		}
		count, windowEnd, err := c.count(ctx, rule, req, now)
		if err != nil {
			return Decision{}, err
		}
		remaining := rule.MaxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		if tightest < 0 || remaining < tightest {
			tightest = remaining
			dec.Limit = rule.MaxRequests
			dec.Remaining = remaining
			if dec.Allowed {
				dec.RuleID = rule.ID
			}
		}
		if count > rule.MaxRequests {
			retry := ceilSeconds(windowEnd.Sub(now))
			if dec.Allowed || retry > dec.RetryAfter {
				dec.RetryAfter = retry
				dec.RuleID = rule.ID
			}
			dec.Allowed = false
		}
	}

	outcome := "allow"
	switch {
	case !dec.Allowed:
		outcome = "reject"
		c.log.Debug("request rejected",
			zap.String("rule_id", dec.RuleID),
			zap.String("endpoint", req.Endpoint),
			zap.Duration("retry_after", dec.RetryAfter),
		)
	case dec.Bypassed:
		outcome = "bypass"
	}
	obs.AdmissionDecision(outcome)
	span.SetAttributes(attribute.String("admission.outcome", outcome))
	return dec, nil
}

func (c *Controller) bypass(ctx context.Context, raw string) (*BypassToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	tok, err := c.rules.FindBypassToken(ctx, ids.Digest(raw))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bypass token: %w", err)
	}
	if !tok.ValidAt(c.now()) {
		return nil, nil
	}
	return tok, nil
}

func (c *Controller) count(ctx context.Context, rule Rule, req Request, now time.Time) (int64, time.Time, error) {
	width := rule.Window.Nanoseconds()
	index := now.UnixNano() / width
	windowEnd := time.Unix(0, (index+1)*width)
	key := c.prefix + ":" + rule.ID + ":" + scopeKey(rule.Strategy, req) + ":" + strconv.FormatInt(index, 10)
	count, err := c.counter.Increment(ctx, key, windowEnd.Sub(now)+counterSlack)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate counter: %w", err)
	}
	return count, windowEnd, nil
}

// scopeKey identifies the counter owner. Anonymous requests under the user
// strategy are counted per client IP.
func scopeKey(s Strategy, req Request) string {
	switch s {
	case StrategyUser:
		if req.SubjectID != "" {
			return "user=" + req.SubjectID
		}
		return "anon=" + req.ClientIP
	case StrategyGlobal:
		return "global"
	default:
		return "ip=" + req.ClientIP
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}
