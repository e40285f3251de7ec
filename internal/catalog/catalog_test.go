package catalog_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/CZERTAINLY/garakd/internal/catalog"
	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	calls   atomic.Int32
	err     error
	plugins map[string][]garak.Plugin
}

func (f *fakeLister) List(_ context.Context, category string) ([]garak.Plugin, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.plugins[category], nil
}

func newLister() *fakeLister {
	return &fakeLister{
		plugins: map[string][]garak.Plugin{
			garak.CategoryProbes: {
				{ID: "probes.dan.Dan_11_0", Active: true},
				{ID: "probes.encoding.InjectBase64", Active: true},
			},
			garak.CategoryDetectors: {
				{ID: "detectors.dan.DAN", Active: true},
			},
		},
	}
}

const tags = `{"models":[
 {"name":"llama3:latest","model":"llama3:latest","size":4661224676,"digest":"365c0bd3c000","modified_at":"2025-10-01T10:00:00Z"},
 {"name":"mistral:7b","model":"mistral:7b","size":4113301824,"digest":"f974a74358d6","modified_at":"2025-10-02T10:00:00Z"}
]}`

func ollamaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tags))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Ollama is running"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestModels(t *testing.T) {
	t.Parallel()
	srv := ollamaServer(t)
	c, err := catalog.New(srv.URL, newLister(), true)
	require.NoError(t, err)

	models, err := c.Models(t.Context())
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "llama3:latest", models[0].Name)
	require.EqualValues(t, 4661224676, models[0].Size)
	require.True(t, c.Healthy(t.Context()))

	srv.Close()
	require.False(t, c.Healthy(t.Context()))
	_, err = c.Models(t.Context())
	require.Error(t, err)
}

func TestPlugins_Cached(t *testing.T) {
	t.Parallel()
	lister := newLister()
	c, err := catalog.New("http://127.0.0.1:1", lister, false)
	require.NoError(t, err)

	for range 3 {
		probes, err := c.Probes(t.Context())
		require.NoError(t, err)
		require.Len(t, probes, 2)
	}
	require.EqualValues(t, 1, lister.calls.Load())

	detectors, err := c.Detectors(t.Context())
	require.NoError(t, err)
	require.Len(t, detectors, 1)
	require.EqualValues(t, 2, lister.calls.Load())
}

func TestCheck(t *testing.T) {
	t.Parallel()
	srv := ollamaServer(t)
	c, err := catalog.New(srv.URL, newLister(), true)
	require.NoError(t, err)

	var testCases = []struct {
		scenario string
		given    model.ScanRequest
		then     []string // offending fields
	}{
		{
			scenario: "known plugin class",
			given:    model.ScanRequest{ModelName: "llama3", Probes: []string{"dan.Dan_11_0"}},
		},
		{
			scenario: "module and full names",
			given: model.ScanRequest{
				ModelName: "mistral:7b",
				Probes:    []string{"encoding", "garak.probes.dan.Dan_11_0", "probes.encoding.InjectBase64"},
				Detectors: []string{"detectors.dan.DAN"},
			},
		},
		{
			scenario: "unknown probe",
			given:    model.ScanRequest{ModelName: "llama3", Probes: []string{"dan", "nosuch.Probe"}},
			then:     []string{"probes"},
		},
		{
			scenario: "everything unknown",
			given: model.ScanRequest{
				ModelName: "gpt-7",
				Probes:    []string{"nosuch"},
				Detectors: []string{"dan.Nope"},
			},
			then: []string{"probes", "detectors", "model_name"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := c.Check(t.Context(), tc.given)
			if len(tc.then) == 0 {
				require.NoError(t, err)
				return
			}
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Fields))
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
			}
			require.Equal(t, tc.then, fields)
		})
	}
}

func TestCheck_Unavailable(t *testing.T) {
	t.Parallel()
	lister := newLister()
	lister.err = errors.New("garak not installed")
	c, err := catalog.New("http://127.0.0.1:1", lister, true)
	require.NoError(t, err)

	err = c.Check(t.Context(), model.ScanRequest{ModelName: "whatever", Probes: []string{"nosuch"}})
	require.NoError(t, err)

	// failures are not cached
	err = c.Check(t.Context(), model.ScanRequest{ModelName: "whatever", Probes: []string{"nosuch"}})
	require.NoError(t, err)
	require.EqualValues(t, 2, lister.calls.Load())
}
