package garak

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Plugin is a probe or detector garak knows about.
type Plugin struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Module      string   `json:"module"`
	Description string   `json:"description"`
	Active      bool     `json:"active_by_default"`
	Tags        []string `json:"tags"`
}

var ansiRx = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

const (
	markInactive = "💤"
	markModule   = "🌟"
)

// List runs garak with --list_probes or --list_detectors and returns the
// listed plugins. Module entries (like probes.dan) are skipped, only the
// plugin classes are returned.
func (a *Adapter) List(ctx context.Context, category string) ([]Plugin, error) {
	var flag string
	switch category {
	case CategoryProbes:
		flag = "--list_probes"
	case CategoryDetectors:
		flag = "--list_detectors"
	default:
		return nil, fmt.Errorf("unsupported plugin category %q", category)
	}

	proc, err := a.start(ctx, []string{flag})
	if err != nil {
		return nil, err
	}
	var lines []string
	for line := range proc.Lines() {
		lines = append(lines, line)
	}
	status := proc.Wait()
	if !status.Success() {
		return nil, fmt.Errorf("listing %s: exit code %d: %s", category, status.Code, proc.StderrTail())
	}
	return ParsePluginList(category, lines), nil
}

// ParsePluginList parses lines like
//
//	probes: dan 🌟
//	probes: dan.Dan_11_0
//	probes: dan.DanInTheWild 💤
func ParsePluginList(category string, lines []string) []Plugin {
	var ret []Plugin
	prefix := category + ":"
	for _, line := range lines {
		line = strings.TrimSpace(ansiRx.ReplaceAllString(line, ""))
		rest, ok := strings.CutPrefix(line, prefix)
		if !ok {
			continue
		}
		if strings.Contains(rest, markModule) {
			continue
		}
		active := !strings.Contains(rest, markInactive)
		fields := strings.Fields(strings.ReplaceAll(rest, markInactive, ""))
		if len(fields) == 0 || !strings.Contains(fields[0], ".") {
			continue
		}
		name := fields[0]
		id := category + "." + name
		module, _, _ := strings.Cut(name, ".")
		ret = append(ret, Plugin{
			ID:          id,
			Name:        id,
			Module:      category + "." + module,
			Description: descriptionOf(category, id),
			Active:      active,
			Tags:        []string{},
		})
	}
	slices.SortFunc(ret, func(a, b Plugin) int { return strings.Compare(a.ID, b.ID) })
	return slices.CompactFunc(ret, func(a, b Plugin) bool { return a.ID == b.ID })
}

func descriptionOf(category, id string) string {
	switch category {
	case CategoryProbes:
		return "Probe: " + id
	case CategoryDetectors:
		return "Detector: " + id
	}
	return id
}
