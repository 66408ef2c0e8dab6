package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
)

// Limits is one tier's admission budget.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
	CreditsPerDay     int64
}

// The billing tiers collapse onto three admission profiles.
var tierLimits = map[models.Tier]Limits{
	models.TierFree:          {RequestsPerMinute: 10, TokensPerMinute: 10_000, CreditsPerDay: 200},
	models.TierPro:           {RequestsPerMinute: 60, TokensPerMinute: 100_000, CreditsPerDay: 5_000},
	models.TierProMax:        {RequestsPerMinute: 60, TokensPerMinute: 100_000, CreditsPerDay: 5_000},
	models.TierEnterprisePro: {RequestsPerMinute: 300, TokensPerMinute: 500_000, CreditsPerDay: 50_000},
	models.TierEnterpriseMax: {RequestsPerMinute: 300, TokensPerMinute: 500_000, CreditsPerDay: 50_000},
	models.TierPerpetual:     {RequestsPerMinute: 300, TokensPerMinute: 500_000, CreditsPerDay: 50_000},
}

// LimitsForTier returns the tier's budget, defaulting unknown tiers to free.
func LimitsForTier(tier models.Tier) Limits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits[models.TierFree]
}

// ConfigureTiers overrides admission budgets from configuration. Must run
// before the gateway serves traffic; the map is read unlocked afterwards.
func ConfigureTiers(overrides map[models.Tier]Limits) {
	for tier, limits := range overrides {
		if limits.RequestsPerMinute <= 0 || limits.TokensPerMinute <= 0 || limits.CreditsPerDay <= 0 {
			continue
		}
		tierLimits[tier] = limits
	}
}

// Scope names which window a decision speaks for.
const (
	ScopeRequests = "requests_per_minute"
	ScopeTokens   = "tokens_per_minute"
	ScopeCredits  = "credits_per_day"
)

// Decision is the admission verdict. Allowed decisions describe the
// request window for the X-RateLimit headers; denials carry the window
// that tripped.
type Decision struct {
	Allowed           bool      `json:"allowed"`
	Scope             string    `json:"scope"`
	Limit             int64     `json:"limit"`
	Remaining         int64     `json:"remaining"`
	RetryAfterSeconds int       `json:"retryAfterSeconds,omitempty"`
	ResetAt           time.Time `json:"resetAt"`
}

// WindowInfo is one window of the rate-limit introspection endpoint.
type WindowInfo struct {
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Info reports all of a user's windows.
type Info struct {
	Tier     string     `json:"tier"`
	Requests WindowInfo `json:"requestsPerMinute"`
	Tokens   WindowInfo `json:"tokensPerMinute"`
	Credits  WindowInfo `json:"creditsPerDay"`
}

const degradedWindow = 30 * time.Second

// Service is the tier-aware admission gate. It prefers the shared Redis
// windows and falls back to per-process windows when the store is
// unreachable, logging the degradation instead of failing open silently.
type Service struct {
	shared      Limiter
	local       Limiter
	sharedDaily DailyCounter
	localDaily  DailyCounter
	logger      *zap.Logger
	now         func() time.Time

	mu            sync.Mutex
	degradedUntil time.Time
}

func NewService(client *redis.Client, logger *zap.Logger) *Service {
	return &Service{
		shared:      NewFixedWindowLimiter(client, logger),
		local:       NewInMemoryLimiter(logger),
		sharedDaily: NewRedisDailyCounter(client),
		localDaily:  NewInMemoryDailyCounter(),
		logger:      logger,
		now:         time.Now,
	}
}

// Admit runs the per-minute request window, the per-minute token window
// sized by the caller's estimate, and the sliding per-day credit window.
// Denials never open an upstream connection.
func (s *Service) Admit(ctx context.Context, userID uuid.UUID, tier models.Tier, estimatedTokens int) *Decision {
	limits := LimitsForTier(tier)
	now := s.now()
	minuteReset := now.Truncate(time.Minute).Add(time.Minute)

	allowed, remaining := s.allowN(ctx, requestsKey(userID), 1, limits.RequestsPerMinute, time.Minute)
	if !allowed {
		return s.deny(ScopeRequests, int64(limits.RequestsPerMinute), int64(remaining), minuteReset, now)
	}
	requestsRemaining := remaining

	if estimatedTokens > 0 {
		allowed, remaining = s.allowN(ctx, tokensKey(userID), estimatedTokens, limits.TokensPerMinute, time.Minute)
		if !allowed {
			return s.deny(ScopeTokens, int64(limits.TokensPerMinute), int64(remaining), minuteReset, now)
		}
	}

	window, err := s.daily().Window(ctx, creditsKey(userID))
	if err != nil {
		s.degrade(err)
		window, err = s.localDaily.Window(ctx, creditsKey(userID))
	}
	if err == nil && window.Sum >= limits.CreditsPerDay {
		resetAt := dailyResetAt(window, now)
		left := limits.CreditsPerDay - window.Sum
		if left < 0 {
			left = 0
		}
		return s.deny(ScopeCredits, limits.CreditsPerDay, left, resetAt, now)
	}

	return &Decision{
		Allowed:   true,
		Scope:     ScopeRequests,
		Limit:     int64(limits.RequestsPerMinute),
		Remaining: int64(requestsRemaining),
		ResetAt:   minuteReset,
	}
}

// Record settles a completed request: tokens the admission estimate did
// not cover and the credits actually deducted.
func (s *Service) Record(ctx context.Context, userID uuid.UUID, extraTokens int, credits int64) {
	if extraTokens > 0 {
		if err := s.store().Charge(ctx, tokensKey(userID), extraTokens, time.Minute); err != nil {
			s.degrade(err)
			_ = s.local.Charge(ctx, tokensKey(userID), extraTokens, time.Minute)
		}
	}

	if credits > 0 {
		if err := s.daily().Add(ctx, creditsKey(userID), credits); err != nil {
			s.degrade(err)
			_ = s.localDaily.Add(ctx, creditsKey(userID), credits)
		}
	}
}

// Info reports the user's current windows for GET /v1/rate-limit.
func (s *Service) Info(ctx context.Context, userID uuid.UUID, tier models.Tier) *Info {
	limits := LimitsForTier(tier)
	now := s.now()
	minuteReset := now.Truncate(time.Minute).Add(time.Minute)

	requestsLeft := s.remaining(ctx, requestsKey(userID), limits.RequestsPerMinute, time.Minute)
	tokensLeft := s.remaining(ctx, tokensKey(userID), limits.TokensPerMinute, time.Minute)

	creditsLeft := limits.CreditsPerDay
	creditsReset := now.Truncate(time.Hour).Add(time.Hour)
	window, err := s.daily().Window(ctx, creditsKey(userID))
	if err != nil {
		s.degrade(err)
		window, err = s.localDaily.Window(ctx, creditsKey(userID))
	}
	if err == nil {
		creditsLeft -= window.Sum
		if creditsLeft < 0 {
			creditsLeft = 0
		}
		if window.Sum > 0 {
			creditsReset = dailyResetAt(window, now)
		}
	}

	return &Info{
		Tier:     string(tier),
		Requests: WindowInfo{Limit: int64(limits.RequestsPerMinute), Remaining: int64(requestsLeft), ResetAt: minuteReset},
		Tokens:   WindowInfo{Limit: int64(limits.TokensPerMinute), Remaining: int64(tokensLeft), ResetAt: minuteReset},
		Credits:  WindowInfo{Limit: limits.CreditsPerDay, Remaining: creditsLeft, ResetAt: creditsReset},
	}
}

// Reset clears all of a user's windows.
func (s *Service) Reset(ctx context.Context, userID uuid.UUID) error {
	for _, key := range []string{requestsKey(userID), tokensKey(userID)} {
		if err := s.store().Reset(ctx, key); err != nil {
			return err
		}
		_ = s.local.Reset(ctx, key)
	}
	if err := s.daily().Reset(ctx, creditsKey(userID)); err != nil {
		return err
	}
	return s.localDaily.Reset(ctx, creditsKey(userID))
}

func (s *Service) allowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, int) {
	allowed, remaining, err := s.store().AllowN(ctx, key, n, limit, window)
	if err != nil {
		s.degrade(err)
		allowed, remaining, _ = s.local.AllowN(ctx, key, n, limit, window)
	}
	return allowed, remaining
}

func (s *Service) remaining(ctx context.Context, key string, limit int, window time.Duration) int {
	left, err := s.store().Remaining(ctx, key, limit, window)
	if err != nil {
		s.degrade(err)
		left, _ = s.local.Remaining(ctx, key, limit, window)
	}
	return left
}

func (s *Service) deny(scope string, limit, remaining int64, resetAt time.Time, now time.Time) *Decision {
	retryAfter := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Decision{
		Allowed:           false,
		Scope:             scope,
		Limit:             limit,
		Remaining:         remaining,
		RetryAfterSeconds: retryAfter,
		ResetAt:           resetAt,
	}
}

func (s *Service) store() Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Before(s.degradedUntil) {
		return s.local
	}
	return s.shared
}

func (s *Service) daily() DailyCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Before(s.degradedUntil) {
		return s.localDaily
	}
	return s.sharedDaily
}

// degrade switches to the per-process windows for a short interval. The
// switch is logged once per interval, not per request.
func (s *Service) degrade(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Before(s.degradedUntil) {
		return
	}
	s.degradedUntil = now.Add(degradedWindow)
	s.logger.Error("Rate limit store unreachable, degrading to in-memory windows",
		zap.Duration("for", degradedWindow),
		zap.Error(err))
}

// dailyResetAt is when the oldest busy hour ages out of the sliding day.
func dailyResetAt(window *DailyWindow, now time.Time) time.Time {
	if window.OldestBucket.IsZero() {
		return now.Truncate(time.Hour).Add(time.Hour)
	}
	resetAt := window.OldestBucket.Add(dailyBuckets * time.Hour)
	if resetAt.Before(now) {
		return now.Truncate(time.Hour).Add(time.Hour)
	}
	return resetAt
}

func requestsKey(userID uuid.UUID) string {
	return "ratelimit:requests:" + userID.String()
}

func tokensKey(userID uuid.UUID) string {
	return "ratelimit:tokens:" + userID.String()
}

func creditsKey(userID uuid.UUID) string {
	return "ratelimit:credits:" + userID.String()
}
