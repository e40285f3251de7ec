// Package catalog lists what a scan can use: ollama models and garak probes
// and detectors. It validates scan requests against these lists.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/model"
)

const healthTimeout = 2 * time.Second

// Lister lists garak plugins of a category.
type Lister interface {
	List(ctx context.Context, category string) ([]garak.Plugin, error)
}

type Model struct {
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

type Catalog struct {
	ollama      *api.Client
	lister      Lister
	checkModels bool

	group  singleflight.Group
	mx     sync.RWMutex
	cached map[string][]garak.Plugin
}

// New creates a catalog for an ollama server at baseURL. Model names in
// requests are checked only when checkModels is set, as other generator
// types don't use ollama.
func New(baseURL string, lister Lister, checkModels bool) (*Catalog, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama host %q: %w", baseURL, err)
	}
	return &Catalog{
		ollama:      api.NewClient(u, http.DefaultClient),
		lister:      lister,
		checkModels: checkModels,
		cached:      make(map[string][]garak.Plugin),
	}, nil
}

// Models lists models installed in ollama.
func (c *Catalog) Models(ctx context.Context) ([]Model, error) {
	resp, err := c.ollama.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing ollama models: %w", err)
	}
	ret := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		ret = append(ret, Model{
			Name:       m.Name,
			Model:      m.Model,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return ret, nil
}

// Healthy reports whether ollama responds.
func (c *Catalog) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := c.ollama.Heartbeat(ctx); err != nil {
		slog.DebugContext(ctx, "ollama heartbeat failed", "error", err)
		return false
	}
	return true
}

func (c *Catalog) Probes(ctx context.Context) ([]garak.Plugin, error) {
	return c.plugins(ctx, garak.CategoryProbes)
}

func (c *Catalog) Detectors(ctx context.Context) ([]garak.Plugin, error) {
	return c.plugins(ctx, garak.CategoryDetectors)
}

// plugins are listed once, failures are not cached.
func (c *Catalog) plugins(ctx context.Context, category string) ([]garak.Plugin, error) {
	c.mx.RLock()
	cached, ok := c.cached[category]
	c.mx.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(category, func() (any, error) {
		plugins, err := c.lister.List(context.WithoutCancel(ctx), category)
		if err != nil {
			return nil, err
		}
		c.mx.Lock()
		c.cached[category] = plugins
		c.mx.Unlock()
		slog.DebugContext(ctx, "garak plugins listed", "category", category, "count", len(plugins))
		return plugins, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]garak.Plugin), nil
}

// Check returns *model.ValidationError for probes, detectors and models not
// known to garak or ollama. A list which can't be obtained is not checked.
func (c *Catalog) Check(ctx context.Context, req model.ScanRequest) error {
	var probes, detectors []garak.Plugin
	var models []Model
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		probes = c.tryPlugins(gctx, garak.CategoryProbes)
		return nil
	})
	if len(req.Detectors) > 0 {
		g.Go(func() error {
			detectors = c.tryPlugins(gctx, garak.CategoryDetectors)
			return nil
		})
	}
	if c.checkModels {
		g.Go(func() error {
			var err error
			models, err = c.Models(gctx)
			if err != nil {
				slog.WarnContext(gctx, "model names not validated", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var verr model.ValidationError
	if probes != nil {
		if unknown := unknownPlugins(garak.CategoryProbes, req.Probes, probes); len(unknown) > 0 {
			verr.Add("probes", "unknown probes: "+strings.Join(unknown, ", "))
		}
	}
	if detectors != nil {
		if unknown := unknownPlugins(garak.CategoryDetectors, req.Detectors, detectors); len(unknown) > 0 {
			verr.Add("detectors", "unknown detectors: "+strings.Join(unknown, ", "))
		}
	}
	if models != nil && !hasModel(models, req.ModelName) {
		verr.Add("model_name", fmt.Sprintf("model %q is not available in ollama", req.ModelName))
	}
	return verr.OrNil()
}

func (c *Catalog) tryPlugins(ctx context.Context, category string) []garak.Plugin {
	plugins, err := c.plugins(ctx, category)
	if err != nil {
		slog.WarnContext(ctx, "plugin names not validated", "category", category, "error", err)
		return nil
	}
	return plugins
}

// unknownPlugins accepts both plugin classes (dan.Dan_11_0) and whole
// modules (dan), in any of the forms NormalizePlugin understands.
func unknownPlugins(category string, names []string, plugins []garak.Plugin) []string {
	known := make(map[string]struct{}, 2*len(plugins))
	for _, p := range plugins {
		name := garak.NormalizePlugin(category, p.ID)
		known[name] = struct{}{}
		module, _, _ := strings.Cut(name, ".")
		known[module] = struct{}{}
	}
	var ret []string
	for _, n := range names {
		if _, ok := known[garak.NormalizePlugin(category, n)]; !ok {
			ret = append(ret, n)
		}
	}
	return ret
}

func hasModel(models []Model, name string) bool {
	for _, m := range models {
		if m.Name == name || m.Model == name || m.Name == name+":latest" {
			return true
		}
	}
	return false
}
