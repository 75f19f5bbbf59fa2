package llmsched

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/blueberrycongee/llmsched/pkg/backend"
	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

// selectCandidates returns the ordered backends to try for req.
//
// An override names the only candidate. Otherwise the default backend and
// the fallbacks are used in configured order, or every registered backend
// when neither is configured. Backends lacking a required capability are
// removed; degraded, over-budget and too slow backends are moved to the end,
// ordered by descending priority weight, and still tried once.
func (s *Scheduler) selectCandidates(ctx context.Context, req *types.Request, stream bool) ([]backend.Backend, error) {
	if req.Backend != "" {
		b, ok := s.registry.Get(req.Backend)
		if !ok {
			return nil, llmerrors.NewNoEligibleBackend("backend %q is not registered", req.Backend)
		}
		if reason := s.unsupported(ctx, b, req, stream); reason != "" {
			return nil, llmerrors.NewNoEligibleBackend("backend %q %s", req.Backend, reason)
		}
		return []backend.Backend{b}, nil
	}

	var (
		preferred []backend.Backend
		demoted   []backend.Backend
		skipped   []string
	)
	for _, id := range s.candidateOrder() {
		b, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		if reason := s.unsupported(ctx, b, req, stream); reason != "" {
			skipped = append(skipped, id+" "+reason)
			continue
		}
		if reason := s.demotion(b, req); reason != "" {
			s.logger.DebugContext(ctx, "backend demoted", "backend", id, "reason", reason)
			demoted = append(demoted, b)
			continue
		}
		preferred = append(preferred, b)
	}

	sort.SliceStable(demoted, func(i, j int) bool {
		return demoted[i].Descriptor().PriorityWeight > demoted[j].Descriptor().PriorityWeight
	})

	candidates := append(preferred, demoted...)
	if len(candidates) == 0 {
		if len(skipped) == 0 {
			return nil, llmerrors.NewNoEligibleBackend("no backends registered")
		}
		return nil, llmerrors.NewNoEligibleBackend("no backend supports the request (%s)", strings.Join(skipped, "; "))
	}
	return candidates, nil
}

// candidateOrder returns the configured backend ids without duplicates.
func (s *Scheduler) candidateOrder() []string {
	if s.config.DefaultBackend == "" && len(s.config.FallbackBackends) == 0 {
		return s.registry.IDs()
	}
	seen := make(map[string]bool, len(s.config.FallbackBackends)+1)
	ids := make([]string, 0, len(s.config.FallbackBackends)+1)
	for _, id := range append([]string{s.config.DefaultBackend}, s.config.FallbackBackends...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// unsupported returns why b cannot serve req, or "" if it can.
func (s *Scheduler) unsupported(ctx context.Context, b backend.Backend, req *types.Request, stream bool) string {
	caps := b.Descriptor().Capabilities
	switch {
	case stream && !caps.SupportsStreaming:
		return "does not support streaming"
	case req.ReasoningBudget > 0 && !caps.SupportsReasoningBudget:
		return "does not support reasoning budget"
	case req.RequiresImages() && !caps.SupportsImages:
		return "does not support images"
	}

	if req.Model != "" {
		// Only cached lists are consulted; an unknown list keeps the backend
		// eligible while it is fetched in the background.
		if models, ok := s.models.Cached(ctx, b.ID(), b); ok {
			if _, found := types.FindModel(models, req.Model); !found {
				return fmt.Sprintf("does not serve model %q", req.Model)
			}
		}
	}
	return ""
}

// demotion returns why b should be tried after healthy candidates, or "".
func (s *Scheduler) demotion(b backend.Backend, req *types.Request) string {
	id := b.ID()
	if s.health.IsDegraded(id) {
		return "degraded"
	}
	if limit := s.config.CostThreshold; limit > 0 {
		if cost := b.EstimateCost(req); cost > limit {
			return fmt.Sprintf("estimated cost %.6f exceeds %.6f", cost, limit)
		}
	}
	if budget := s.config.HighPriorityLatencyBudget; budget > 0 && req.Priority == types.PriorityHigh {
		if snap, ok := s.health.Snapshot(id); ok && snap.AverageLatency > budget {
			return fmt.Sprintf("average latency %s exceeds %s", snap.AverageLatency, budget)
		}
	}
	return ""
}
