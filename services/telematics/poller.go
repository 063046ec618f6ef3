package telematics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"octotelematics-backend/lib/scrapers/octo"

	"go.opentelemetry.io/otel/codes"
)

const (
	maxAttempts            = 3
	maxConsecutiveFailures = 5
	defaultAttemptTimeout  = time.Second * 30
)

// the portal updates the statistics page roughly once a day
const DefaultPollInterval = time.Minute * 1440

var ErrAuthenticationFailed = octo.ErrAuthenticationFailed
var ErrUpdateFailed = errors.New("update failed")

// Measurement is the externally visible result of one poll. TotalKm
// stays nil until a km value has been parsed at least once, UpdatedAt
// is "Unknown" until a date has.
type Measurement struct {
	TotalKm   *int64 `json:"total_km"`
	UpdatedAt string `json:"updated_at"`
}

type Options struct {
	// defaults to the production portal when empty
	BaseUrl  string
	Username string
	Password string
}

// Poller owns the portal session and the last-known values. Update
// must not be called concurrently; the daemon invokes it sequentially
// on a fixed interval.
type Poller struct {
	client   *octo.Client
	username string
	password string

	lastKm   *int64
	lastDate string
	failures int

	attemptTimeout time.Duration
	backoff        func(attempt int) time.Duration
}

func NewPoller(ctx context.Context, opts Options) (*Poller, error) {
	client, err := octo.NewClient(ctx, octo.ClientOptions{BaseUrl: opts.BaseUrl})
	if err != nil {
		return nil, err
	}
	return &Poller{
		client:         client,
		username:       opts.Username,
		password:       opts.Password,
		attemptTimeout: defaultAttemptTimeout,
		backoff:        exponentialBackoff,
	}, nil
}

// 1s, 2s, 4s, ... between attempts
func exponentialBackoff(attempt int) time.Duration {
	return time.Second * time.Duration(1<<(attempt-1))
}

// Update runs one full refresh: login on demand, fetch, extract. It
// retries transient failures with backoff and resolves them by
// returning last-known values once the consecutive-failure tolerance
// allows; authentication failures always propagate since retrying
// cannot fix bad credentials.
func (p *Poller) Update(ctx context.Context) (Measurement, error) {
	ctx, span := tracer.Start(ctx, "poller:Update")
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, p.backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		fresh, err := p.refresh(ctx)
		if err == nil {
			p.failures = 0
			return fresh, nil
		}

		switch {
		case errors.Is(err, octo.ErrUnauthenticated):
			slog.WarnContext(ctx, "session rejected, forcing re-login", "attempt", attempt)
			if rerr := p.client.ResetSession(); rerr != nil {
				err = rerr
			}
			lastErr = err
		case errors.Is(err, octo.ErrAuthenticationFailed):
			span.RecordError(err)
			span.SetStatus(codes.Error, "authentication failed")
			return Measurement{}, err
		default:
			slog.WarnContext(ctx, "update attempt failed", "attempt", attempt, "err", err)
			lastErr = err
		}
	}

	if errors.Is(lastErr, octo.ErrUnauthenticated) {
		err := fmt.Errorf("%w: session rejected %d times", octo.ErrAuthenticationFailed, maxAttempts)
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		return Measurement{}, err
	}

	p.failures++
	if p.failures > maxConsecutiveFailures {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, "update failed")
		return Measurement{}, fmt.Errorf("%w: %v", ErrUpdateFailed, lastErr)
	}

	slog.WarnContext(
		ctx, "all attempts failed, returning last known values",
		"consecutive_failures", p.failures,
		"err", lastErr,
	)
	return p.lastKnown(), nil
}

// one attempt: login if the session is gone, fetch the statistics
// page, extract km and date independently
func (p *Poller) refresh(ctx context.Context) (Measurement, error) {
	ctx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	if !p.client.LoggedIn() {
		err := p.client.Login(ctx, p.username, p.password)
		if err != nil {
			return Measurement{}, err
		}
	}

	stats, err := p.client.FetchStatistics(ctx)
	if err != nil {
		return Measurement{}, err
	}

	km, err := octo.ExtractTotalKm(stats)
	if err != nil {
		slog.WarnContext(ctx, "km extraction failed, keeping last known value", "err", err)
	} else {
		p.lastKm = &km
	}

	date, err := octo.ExtractLastUpdated(stats)
	if err != nil {
		slog.WarnContext(ctx, "date extraction failed, keeping last known value", "err", err)
	} else {
		p.lastDate = date
	}

	return p.lastKnown(), nil
}

func (p *Poller) lastKnown() Measurement {
	m := Measurement{UpdatedAt: "Unknown"}
	if p.lastKm != nil {
		km := *p.lastKm
		m.TotalKm = &km
	}
	if p.lastDate != "" {
		m.UpdatedAt = p.lastDate
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
