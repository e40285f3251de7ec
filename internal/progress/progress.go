// Package progress turns lines printed by garak into structured progress events.
//
// Parsing is a pure function over (previous percent, line). Rules are tried in
// a fixed order and the first match wins. Lines no rule recognizes still
// produce a raw event at the previous percent, so a client transcript is
// complete even when the output can't be understood.
package progress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/garakd/internal/model"
)

// Kind tells which rule produced an Event.
type Kind string

const (
	KindDone   Kind = "done"
	KindStatus Kind = "status"
	KindScore  Kind = "score"
	KindPhase  Kind = "phase"
	KindRaw    Kind = "raw"
)

// Event is a single parsed progress update.
type Event struct {
	Percent int
	Message string
	Kind    Kind
	Score   *model.Score
}

// match is what a rule extracts from a line. A percent of -1 keeps the previous value.
type match struct {
	percent int
	message string
	kind    Kind
	score   *model.Score
}

type rule struct {
	name  string
	apply func(line string) (match, bool)
}

var (
	ansiRx    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	doneRx    = regexp.MustCompile(`(?i)^(?:done|✔️?\s*garak run complete.*|garak run complete.*)$`)
	tqdmRx    = regexp.MustCompile(`^(.*?):\s*(\d{1,3})%\|`)
	percentRx = regexp.MustCompile(`^(?:.*?\s)?(\d{1,3})%\s*(.*)$`)
	evalRx    = regexp.MustCompile(`^(\S+)\s+(\S+):\s+(PASS|FAIL)\s+ok on\s+(\d+)\s*/\s*(\d+)`)
	phases    = []string{
		"loading generator",
		"queue of probes",
		"queue of detectors",
		"reporting to",
		"report closed",
		"report html summary",
		"run started",
	}
)

// rules are ordered by priority.
var rules = []rule{
	{"done", func(line string) (match, bool) {
		if !doneRx.MatchString(line) {
			return match{}, false
		}
		return match{percent: 100, message: "scan complete", kind: KindDone}, true
	}},
	{"eval", func(line string) (match, bool) {
		m := evalRx.FindStringSubmatch(line)
		if m == nil {
			return match{}, false
		}
		score := &model.Score{
			Probe:    m[1],
			Detector: m[2],
			Passed:   atoi(m[4]),
			Total:    atoi(m[5]),
		}
		return match{percent: -1, message: line, kind: KindScore, score: score}, true
	}},
	{"tqdm", func(line string) (match, bool) {
		m := tqdmRx.FindStringSubmatch(line)
		if m == nil {
			return match{}, false
		}
		label := strings.TrimSpace(m[1])
		msg := "running"
		if label != "" {
			msg = "running " + label
		}
		return match{percent: atoi(m[2]), message: msg, kind: KindStatus}, true
	}},
	{"percent", func(line string) (match, bool) {
		m := percentRx.FindStringSubmatch(line)
		if m == nil {
			return match{}, false
		}
		msg := strings.TrimSpace(m[2])
		if msg == "" {
			msg = line
		}
		return match{percent: atoi(m[1]), message: msg, kind: KindStatus}, true
	}},
	{"phase", func(line string) (match, bool) {
		for _, p := range phases {
			if idx := strings.Index(line, p); idx >= 0 {
				return match{percent: -1, message: strings.TrimSpace(line[idx:]), kind: KindPhase}, true
			}
		}
		return match{}, false
	}},
}

// Parse converts one line of scanner output. The returned percent is never
// lower than prev and never higher than 100. Blank lines produce no event.
func Parse(prev int, line string) (int, Event, bool) {
	line = Clean(line)
	if line == "" {
		return prev, Event{}, false
	}

	m := match{percent: -1, message: line, kind: KindRaw}
	for _, r := range rules {
		if got, ok := r.apply(line); ok {
			m = got
			break
		}
	}

	percent := prev
	if m.percent >= 0 {
		percent = max(prev, min(m.percent, 100))
	}
	return percent, Event{
		Percent: percent,
		Message: m.message,
		Kind:    m.kind,
		Score:   m.score,
	}, true
}

// Clean removes terminal escape sequences and surrounding whitespace.
func Clean(line string) string {
	return strings.TrimSpace(ansiRx.ReplaceAllString(line, ""))
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
