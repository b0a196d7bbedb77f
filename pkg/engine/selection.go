package engine

import (
	"fmt"
	"strings"
)

// TargetAll selects every registered component.
const TargetAll = "all"

// ResolveTargets turns an operator selection into target ids. selection is
// either "all" or a comma-separated list of component ids. Ids are trimmed and
// de-duplicated; unknown ids fail with UnknownTargetError.
func ResolveTargets(reg *Registry, selection string) ([]string, error) {
	selection = strings.TrimSpace(selection)
	if selection == "" {
		return nil, NewConfigurationError("no deployment targets requested", nil)
	}
	if strings.EqualFold(selection, TargetAll) {
		ids := reg.IDs()
		if len(ids) == 0 {
			return nil, NewConfigurationError("no components registered", nil)
		}
		return ids, nil
	}

	targets := SplitList(selection)
	if len(targets) == 0 {
		return nil, NewConfigurationError("no deployment targets requested", nil)
	}
	for _, id := range targets {
		if _, ok := reg.Get(id); !ok {
			return nil, NewUnknownTargetError(id)
		}
	}
	return targets, nil
}

// ParsePhaseFilter parses a comma-separated phase list. An empty string
// means every phase.
func ParsePhaseFilter(s string) ([]Phase, error) {
	items := SplitList(s)
	if len(items) == 0 {
		return nil, nil
	}
	phases := make([]Phase, 0, len(items))
	for _, item := range items {
		p := Phase(item)
		if err := p.Validate(); err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("invalid phase filter %q", s), err)
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// SplitList splits a comma-separated list, trimming blanks and dropping
// duplicates while keeping first-seen order.
func SplitList(s string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
