package worker

import (
	"fmt"
	"path"

	"github.com/guseggert/scenariorunner/protocol"
)

// MatchSelector keeps scenarios whose name matches any selector glob (path.Match syntax). With no selectors every
// scenario matches. A non-nil rerun filter additionally restricts the result to the listed name and file pairs.
type MatchSelector struct{}

func (MatchSelector) Select(scenarios []Scenario, selectors []string, rerun []protocol.ScenarioRef) ([]Scenario, error) {
	for _, sel := range selectors {
		if _, err := path.Match(sel, ""); err != nil {
			return nil, fmt.Errorf("selector %q: %w", sel, err)
		}
	}
	var only map[protocol.ScenarioRef]bool
	if rerun != nil {
		only = make(map[protocol.ScenarioRef]bool, len(rerun))
		for _, r := range rerun {
			only[r] = true
		}
	}

	var out []Scenario
	for _, s := range scenarios {
		if only != nil && !only[protocol.ScenarioRef{Name: s.Name, File: s.File}] {
			continue
		}
		if !matchesAny(s.Name, selectors) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func matchesAny(name string, selectors []string) bool {
	if len(selectors) == 0 {
		return true
	}
	for _, sel := range selectors {
		if ok, _ := path.Match(sel, name); ok {
			return true
		}
	}
	return false
}
