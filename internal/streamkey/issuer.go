package streamkey

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/time/rate"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
)

const (
	DefaultPrefix       = "nf"
	DefaultSuffixLength = 12
	DefaultRateWindow   = 10 * time.Second
	DefaultMaxAge       = 24 * time.Hour

	minSuffixLength = 8
	minKeyLength    = 10
	alphabet        = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// Config holds issuer configuration.
type Config struct {
	Prefix       string        `mapstructure:"prefix"`
	SuffixLength int           `mapstructure:"suffix_length"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

// Issuer generates and checks stream keys.
type Issuer struct {
	config   Config
	pattern  *regexp.Regexp
	limiters map[string]*rate.Limiter // ownerID -> limiter
	mu       sync.Mutex
	now      func() time.Time
}

// Option customises an Issuer.
type Option func(*Issuer)

// WithClock replaces the wall clock used for timestamps and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates a new Issuer, filling unset fields with defaults.
func NewIssuer(cfg Config, opts ...Option) *Issuer {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.SuffixLength < minSuffixLength {
		cfg.SuffixLength = DefaultSuffixLength
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}

	i := &Issuer{
		config:   cfg,
		pattern:  regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.Prefix) + `_(\d+)_([A-Za-z0-9]{8,})$`),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// MaxAge returns the configured key lifetime.
func (i *Issuer) MaxAge() time.Duration {
	return i.config.MaxAge
}

// Generate issues a new key for ownerID. At most one key is issued per owner
// per rate window; further calls inside the window fail with ErrRateLimited.
func (i *Issuer) Generate(ownerID string) (domain.StreamKey, error) {
	now := i.now()

	i.mu.Lock()
	lim, ok := i.limiters[ownerID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(i.config.RateWindow), 1)
		i.limiters[ownerID] = lim
	}
	allowed := lim.AllowN(now, 1)
	i.mu.Unlock()

	if !allowed {
		return domain.StreamKey{}, domain.ErrRateLimited
	}

	suffix, err := gonanoid.Generate(alphabet, i.config.SuffixLength)
	if err != nil {
		return domain.StreamKey{}, fmt.Errorf("failed to generate key suffix: %w", err)
	}

	issuedAt := now.Unix()
	return domain.StreamKey{
		Value:        fmt.Sprintf("%s_%d_%s", i.config.Prefix, issuedAt, suffix),
		IssuedAt:     issuedAt,
		RandomSuffix: suffix,
	}, nil
}

// Validate reports whether key has the issued format.
func (i *Issuer) Validate(key string) bool {
	return len(key) >= minKeyLength && i.pattern.MatchString(key)
}

// Parse splits a well-formed key into its parts.
func (i *Issuer) Parse(key string) (domain.StreamKey, error) {
	if !i.Validate(key) {
		return domain.StreamKey{}, domain.ErrInvalidKeyFormat
	}
	m := i.pattern.FindStringSubmatch(key)
	issuedAt, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return domain.StreamKey{}, fmt.Errorf("%w: %v", domain.ErrInvalidKeyFormat, err)
	}
	return domain.StreamKey{Value: key, IssuedAt: issuedAt, RandomSuffix: m[2]}, nil
}

// IsExpired reports whether key was issued more than maxAge ago.
// A non-positive maxAge means DefaultMaxAge. Keys whose timestamp cannot
// be read are always expired.
func (i *Issuer) IsExpired(key string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	// Read from the right so a prefix containing '_' still parses.
	rest, suffix, ok := cutLast(key, "_")
	if !ok || suffix == "" {
		return true
	}
	_, stamp, ok := cutLast(rest, "_")
	if !ok {
		return true
	}
	issuedAt, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil || issuedAt <= 0 {
		return true
	}

	issued := domain.StreamKey{Value: key, IssuedAt: issuedAt, RandomSuffix: suffix}
	return i.now().Sub(issued.IssuedTime()) > maxAge
}

func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

// Prune drops limiters that have fully refilled, so idle owners do not
// accumulate. Returns the number of limiters removed.
func (i *Issuer) Prune() int {
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	for owner, lim := range i.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(i.limiters, owner)
			removed++
		}
	}
	return removed
}
