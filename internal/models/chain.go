// Package models builds and filters the ordered model fallback chain for
// one request.
package models

import (
	"context"
	"sync"

	"github.com/loomworks/loom/internal/health"
	"github.com/loomworks/loom/internal/logger"
)

// HealthChecker answers whether a provider's circuit is currently open.
// The process-wide health.Registry implements it; tests inject fakes.
type HealthChecker interface {
	IsOpen(ctx context.Context, provider string) bool
}

// BuildChain returns the ordered, de-duplicated candidate list. The
// requested model (or, when empty, the first default) is always first;
// duplicates keep their first occurrence.
func BuildChain(requested string, defaults []string) []string {
	seen := make(map[string]bool, len(defaults)+1)
	chain := make([]string, 0, len(defaults)+1)

	add := func(m string) {
		if m == "" || seen[m] {
			return
		}
		seen[m] = true
		chain = append(chain, m)
	}

	add(requested)
	for _, m := range defaults {
		add(m)
	}
	return chain
}

// FilterHealthy removes candidates whose provider circuit is open. All
// circuit checks run concurrently, up front, so the driver can announce
// the starting model before the first invocation. If every candidate's
// circuit is open the original chain is returned unchanged: attempting
// and failing informatively beats refusing to try.
func FilterHealthy(ctx context.Context, chain []string, hc HealthChecker) []string {
	if hc == nil || len(chain) == 0 {
		return chain
	}

	open := make([]bool, len(chain))
	var wg sync.WaitGroup
	for i, model := range chain {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			open[i] = hc.IsOpen(ctx, health.ProviderOf(model))
		}(i, model)
	}
	wg.Wait()

	filtered := make([]string, 0, len(chain))
	for i, model := range chain {
		if !open[i] {
			filtered = append(filtered, model)
		}
	}

	if len(filtered) == 0 {
		logger.WarnContext(ctx, "all candidate circuits open, keeping unfiltered chain",
			"candidates", len(chain))
		return chain
	}
	if len(filtered) < len(chain) {
		logger.InfoContext(ctx, "removed unhealthy candidates from fallback chain",
			"before", len(chain), "after", len(filtered))
	}
	return filtered
}
