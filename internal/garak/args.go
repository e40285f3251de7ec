package garak

import (
	"strings"
)

const (
	CategoryProbes     = "probes"
	CategoryDetectors  = "detectors"
	DefaultReportStem  = "report"
	defaultGeneratorID = "ollama"
)

// Args are the per-scan garak arguments.
type Args struct {
	ModelType    string
	ModelName    string
	Probes       []string
	Detectors    []string
	ReportPrefix string // absolute, garak falls back to its own run directory otherwise
	Extra        []string
}

// CLI returns the garak command line arguments.
func (a Args) CLI() []string {
	modelType := a.ModelType
	if modelType == "" {
		modelType = defaultGeneratorID
	}
	ret := []string{
		"--model_type", modelType,
		"--model_name", a.ModelName,
	}
	if probes := normalizeAll(CategoryProbes, a.Probes); len(probes) > 0 {
		ret = append(ret, "--probes", strings.Join(probes, ","))
	}
	if detectors := normalizeAll(CategoryDetectors, a.Detectors); len(detectors) > 0 {
		ret = append(ret, "--detectors", strings.Join(detectors, ","))
	}
	if a.ReportPrefix != "" {
		ret = append(ret, "--report_prefix", a.ReportPrefix)
	}
	return append(ret, a.Extra...)
}

// NormalizePlugin converts plugin names like garak.probes.dan.Dan_11_0 or
// probes.dan.Dan_11_0 to the form garak expects on the command line: dan.Dan_11_0.
func NormalizePlugin(category, name string) string {
	name = strings.TrimSpace(name)
	if after, ok := strings.CutPrefix(name, "garak."+category+"."); ok {
		return after
	}
	if after, ok := strings.CutPrefix(name, category+"."); ok {
		return after
	}
	return name
}

func normalizeAll(category string, names []string) []string {
	ret := make([]string, 0, len(names))
	for _, n := range names {
		if n = NormalizePlugin(category, n); n != "" {
			ret = append(ret, n)
		}
	}
	return ret
}
