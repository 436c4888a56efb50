package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gigachain-team/giga-agent/internal/observability"
	"github.com/gigachain-team/giga-agent/internal/tracing"
)

// modelCaller calls the model with auth profile failover and per-profile
// retries with exponential backoff.
type modelCaller struct {
	factory    ProviderCreator
	logger     zerolog.Logger
	maxRetries int
	retryBase  time.Duration

	mu       sync.RWMutex
	profiles []AuthProfile
}

func newModelCaller(factory ProviderCreator, profiles []AuthProfile, maxRetries int, logger zerolog.Logger) *modelCaller {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	cp := make([]AuthProfile, len(profiles))
	copy(cp, profiles)
	return &modelCaller{
		factory:    factory,
		logger:     logger,
		maxRetries: maxRetries,
		retryBase:  time.Second,
		profiles:   cp,
	}
}

// Call tries profiles by priority, skipping those in cooldown.
func (m *modelCaller) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	m.mu.RLock()
	profiles := make([]AuthProfile, len(m.profiles))
	copy(profiles, m.profiles)
	m.mu.RUnlock()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	sortProfilesByPriority(profiles)

	now := time.Now().UnixMilli()
	usable := make([]AuthProfile, 0, len(profiles))
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && now < *profile.CooldownUntil {
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		usable = append(usable, profile)
	}
	// a turn never fails only because every profile is cooling down
	if len(usable) == 0 {
		logger.Warn().Msg("All auth profiles in cooldown, trying them anyway")
		usable = profiles
	}

	var lastErr error
	for _, profile := range usable {

		provider, err := m.factory.NewProvider(profile)
		if err != nil {
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		start := time.Now()
		resp, err := m.callWithRetry(ctx, provider, req)
		observability.RecordModelCall(provider.Provider(), time.Since(start), err == nil)
		if err == nil {
			m.updateProfileSuccess(profile.ID)
			return resp, nil
		}

		lastErr = err
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		m.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no usable auth profile")
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (m *modelCaller) callWithRetry(ctx context.Context, provider LLMProvider, req LLMRequest) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.call_model",
		attribute.String("provider", provider.Provider()),
		attribute.String("model", req.Model),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		resp, err := provider.Call(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			tracing.RecordError(span, err)
			return nil, err
		}
		if attempt == m.maxRetries-1 {
			break
		}

		delay := m.retryBase * time.Duration(1<<attempt)
		m.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	tracing.RecordError(span, lastErr)
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", m.maxRetries, lastErr)
}

func (m *modelCaller) updateProfileSuccess(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.profiles {
		if m.profiles[i].ID == profileID {
			m.profiles[i].FailureCount = 0
			m.profiles[i].CooldownUntil = nil
			break
		}
	}
}

func (m *modelCaller) updateProfileFailure(profileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.profiles {
		if m.profiles[i].ID == profileID {
			m.profiles[i].FailureCount++
			cooldownMs := time.Now().UnixMilli() + int64(60000*m.profiles[i].FailureCount)
			m.profiles[i].CooldownUntil = &cooldownMs
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
