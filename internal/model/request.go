package model

import "strings"

// ScanRequest is the first message a client sends on a scan channel.
type ScanRequest struct {
	ModelName   string   `json:"model_name" yaml:"model_name"`
	Probes      []string `json:"probes" yaml:"probes"`
	Detectors   []string `json:"detectors" yaml:"detectors,omitempty"`
	Description string   `json:"description" yaml:"description,omitempty"`
}

// Normalize trims whitespace and removes empty identifiers.
func (r ScanRequest) Normalize() ScanRequest {
	r.ModelName = strings.TrimSpace(r.ModelName)
	r.Description = strings.TrimSpace(r.Description)
	r.Probes = compact(r.Probes)
	r.Detectors = compact(r.Detectors)
	return r
}

// Validate checks the mandatory fields, returns *ValidationError listing
// every offending field.
func (r ScanRequest) Validate() error {
	var verr ValidationError
	if strings.TrimSpace(r.ModelName) == "" {
		verr.Add("model_name", "is required")
	}
	if len(compact(r.Probes)) == 0 {
		verr.Add("probes", "at least one probe is required")
	}
	return verr.OrNil()
}

func compact(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
