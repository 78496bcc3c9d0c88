// Package router selects the payment provider that should handle a given
// currency/preference pair, respecting priority, health, and circuit-breaker
// state, with deterministic failover.
package router

import (
	"context"
	"sort"
	"strings"

	"github.com/lexure-intelligence/payment-orchestrator/internal/apperr"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
	"github.com/lexure-intelligence/payment-orchestrator/internal/resilience"
)

// ProviderRepository is the read-only view of registered providers the
// router needs; satisfied by the durable-store repository.
type ProviderRepository interface {
	ListActiveByCurrency(ctx context.Context, currencyUpper string) ([]models.PaymentProvider, error)
	GetProviderByName(ctx context.Context, name string) (*models.PaymentProvider, error)
}

// BreakerStateReader reports a provider's current circuit-breaker state, keeping
// the router decoupled from resilience's Redis wiring.
type BreakerStateReader interface {
	State(ctx context.Context, provider string) resilience.BreakerState
}

// LatencyReader reports a provider adapter's recent average latency,
// used only as the final tie-break among otherwise-equal candidates.
type LatencyReader interface {
	AverageLatency(provider string) int64 // nanoseconds; 0 if unknown
}

// RateAvailabilityReader reports a provider's remaining outbound rate-limit
// headroom, used to rank a nearly-exhausted provider behind one with capacity
// before the call ever reaches the wire; satisfied by providers.Registry.
// -1 from RateLimitRemaining means "no opinion" and never affects ranking.
type RateAvailabilityReader interface {
	RateLimitRemaining(provider string) int
}

type Router struct {
	repo      ProviderRepository
	breaker   BreakerStateReader
	latency   LatencyReader
	rateAvail RateAvailabilityReader // optional; nil disables the rank tier
}

func New(repo ProviderRepository, breaker BreakerStateReader, latency LatencyReader) *Router {
	return &Router{repo: repo, breaker: breaker, latency: latency}
}

// WithRateAvailability wires in the rate-limit-aware ranking tier.
func (r *Router) WithRateAvailability(reader RateAvailabilityReader) *Router {
	r.rateAvail = reader
	return r
}

// Select implements §4.3: active providers supporting currency, preferred
// override, priority/breaker/latency ranking, Degraded fallback, and
// NoProviderAvailable when nothing survives.
func (r *Router) Select(ctx context.Context, currency string, preferredProvider string) (*models.PaymentProvider, error) {
	currency = strings.ToUpper(currency)

	candidates, err := r.repo.ListActiveByCurrency(ctx, currency)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list providers", err)
	}

	if preferredProvider != "" {
		for i := range candidates {
			if candidates[i].Name == preferredProvider && candidates[i].Status == models.ProviderActive {
				if r.breaker.State(ctx, candidates[i].Name) != resilience.StateOpen {
					return &candidates[i], nil
				}
				break
			}
		}
	}

	ranked := make([]models.PaymentProvider, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == models.ProviderActive && r.breaker.State(ctx, c.Name) != resilience.StateOpen {
			ranked = append(ranked, c)
		}
	}
	if best := r.pickBest(ranked); best != nil {
		return best, nil
	}

	degraded := make([]models.PaymentProvider, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == models.ProviderDegraded && r.breaker.State(ctx, c.Name) != resilience.StateOpen {
			degraded = append(degraded, c)
		}
	}
	if best := r.pickBest(degraded); best != nil {
		return best, nil
	}

	return nil, apperr.New(apperr.KindNoProviderAvail, "no routable provider for currency "+currency)
}

func (r *Router) pickBest(candidates []models.PaymentProvider) *models.PaymentProvider {
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if r.rateAvail != nil {
			iExhausted := r.rateAvail.RateLimitRemaining(candidates[i].Name) == 0
			jExhausted := r.rateAvail.RateLimitRemaining(candidates[j].Name) == 0
			if iExhausted != jExhausted {
				return !iExhausted
			}
		}
		return r.latency.AverageLatency(candidates[i].Name) < r.latency.AverageLatency(candidates[j].Name)
	})
	best := candidates[0]
	return &best
}

// AdapterFor is a convenience used by callers that already hold a provider
// registry and want the resolved models.PaymentProvider's adapter in one
// step.
func AdapterFor(registry *providers.Registry, provider *models.PaymentProvider) (providers.Adapter, bool) {
	return registry.Get(provider.Name)
}
