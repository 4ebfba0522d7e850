package websocket

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

func actionRank(action string) int {
	switch strings.ToLower(action) {
	case "block":
		return 2
	case "warn":
		return 1
	default:
		return 0
	}
}

// compileFilter validates a filter and compiles its category globs
func compileFilter(f *EventFilter) (*compiledFilter, error) {
	if f == nil {
		return nil, nil
	}

	cf := &compiledFilter{}

	if len(f.Organizations) > 0 {
		cf.organizations = make(map[string]struct{}, len(f.Organizations))
		for _, org := range f.Organizations {
			cf.organizations[org] = struct{}{}
		}
	}

	for _, pattern := range f.Categories {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid category pattern %q: %w", pattern, err)
		}
		cf.categories = append(cf.categories, g)
	}

	switch strings.ToLower(f.MinAction) {
	case "", "allow", "warn", "block":
		cf.minRank = actionRank(f.MinAction)
	default:
		return nil, fmt.Errorf("invalid min_action %q", f.MinAction)
	}

	return cf, nil
}

// match reports whether the event passes the filter. Only scan decisions
// are filtered; other event types always pass.
func (cf *compiledFilter) match(event Event) bool {
	if cf == nil {
		return true
	}

	decision, ok := decisionOf(event)
	if !ok {
		return true
	}

	if cf.organizations != nil {
		if _, ok := cf.organizations[decision.OrganizationID]; !ok {
			return false
		}
	}

	if actionRank(decision.Action) < cf.minRank {
		return false
	}

	if len(cf.categories) > 0 {
		return slices.ContainsFunc(decision.Findings, func(f DecisionFinding) bool {
			category := strings.ToLower(f.Category)
			return slices.ContainsFunc(cf.categories, func(g glob.Glob) bool {
				return g.Match(category)
			})
		})
	}

	return true
}

func decisionOf(event Event) (ScanDecisionEvent, bool) {
	switch d := event.Data.(type) {
	case ScanDecisionEvent:
		return d, true
	case *ScanDecisionEvent:
		if d != nil {
			return *d, true
		}
	}
	return ScanDecisionEvent{}, false
}
