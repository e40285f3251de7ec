package service

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/CZERTAINLY/garakd/internal/model"
)

const (
	reportStem      = "report"
	reportPattern   = reportStem + "*.jsonl"
	htmlPattern     = reportStem + "*.html"
	maxReportLine   = 16 << 20
	hitlogSubstring = "hitlog"
)

var evalMarker = []byte(`"eval"`)

// evalEntry is the summary line garak writes per probe and detector.
type evalEntry struct {
	EntryType      string `json:"entry_type"`
	Probe          string `json:"probe"`
	Detector       string `json:"detector"`
	Passed         int    `json:"passed"`
	Total          int    `json:"total"`
	TotalEvaluated int    `json:"total_evaluated"`
}

// collect builds the result of a job from the artifacts in its directory.
// The report jsonl is mandatory, the html report is optional. Scores come
// from the report eval entries, or from parsed output when there are none.
func collect(dir Artifacts, id string, parsed []model.Score) (model.Result, error) {
	reports, err := dir.Find(id, reportPattern)
	if err != nil {
		return model.Result{}, fmt.Errorf("searching report: %w", err)
	}
	report := pickReport(reports)
	if report == "" {
		return model.Result{}, model.ErrArtifactMissing
	}

	ret := model.Result{ReportPath: report}
	if html, err := dir.Find(id, htmlPattern); err == nil && len(html) > 0 {
		ret.ReportHTML = html[0]
	}

	scores, err := reportScores(dir, id, report)
	if err != nil {
		return model.Result{}, err
	}
	if len(scores) == 0 {
		scores = slices.Clone(parsed)
	}
	ret.Scores = scores
	return ret, nil
}

// pickReport prefers report.report.jsonl over other jsonl files like the hitlog.
func pickReport(names []string) string {
	var fallback string
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".report.jsonl"):
			return n
		case !strings.Contains(n, hitlogSubstring) && fallback == "":
			fallback = n
		}
	}
	return fallback
}

func reportScores(dir Artifacts, id, name string) ([]model.Score, error) {
	f, err := dir.Open(id, name)
	if err != nil {
		return nil, fmt.Errorf("opening report: %w", err)
	}
	defer f.Close()

	var ret []model.Score
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReportLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.Contains(line, evalMarker) {
			continue
		}
		var e evalEntry
		if err := json.Unmarshal(line, &e); err != nil || e.EntryType != "eval" {
			continue
		}
		total := e.Total
		if total == 0 {
			total = e.TotalEvaluated
		}
		ret = append(ret, model.Score{
			Probe:    strings.TrimPrefix(e.Probe, "probes."),
			Detector: trimDetector(e.Detector),
			Passed:   e.Passed,
			Total:    total,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading report %s: %w", name, err)
	}
	return ret, nil
}

func trimDetector(name string) string {
	for _, p := range []string{"detectors.", "detector."} {
		if after, ok := strings.CutPrefix(name, p); ok {
			return after
		}
	}
	return name
}
