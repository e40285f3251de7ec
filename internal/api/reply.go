package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/CZERTAINLY/garakd/internal/catalog"
	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/model"
)

type RootReply struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type HealthReply struct {
	API    string `json:"api"`
	Ollama string `json:"ollama"`
}

type ModelsReply struct {
	Models []catalog.Model `json:"models"`
}

type ProbesReply struct {
	Probes []garak.Plugin `json:"probes"`
}

type DetectorsReply struct {
	Detectors []garak.Plugin `json:"detectors"`
}

type ScansReply struct {
	Scans []model.ScanJob `json:"scans"`
}

type ScanReply struct {
	model.ScanJob
}

type AbortReply struct {
	ScanID string `json:"scan_id"`
	Status string `json:"status"`
}

func (RootReply) Render(http.ResponseWriter, *http.Request) error      { return nil }
func (HealthReply) Render(http.ResponseWriter, *http.Request) error    { return nil }
func (ModelsReply) Render(http.ResponseWriter, *http.Request) error    { return nil }
func (ProbesReply) Render(http.ResponseWriter, *http.Request) error    { return nil }
func (DetectorsReply) Render(http.ResponseWriter, *http.Request) error { return nil }
func (ScansReply) Render(http.ResponseWriter, *http.Request) error     { return nil }
func (ScanReply) Render(http.ResponseWriter, *http.Request) error      { return nil }

func (AbortReply) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusAccepted)
	return nil
}

// ErrReply keeps the detail key of the original web API.
type ErrReply struct {
	HTTPStatusCode int                `json:"-"`
	Detail         string             `json:"detail"`
	Fields         []model.FieldError `json:"fields,omitempty"`
}

func (e *ErrReply) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errReply(err error) *ErrReply {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return &ErrReply{HTTPStatusCode: http.StatusBadRequest, Detail: err.Error(), Fields: verr.Fields}
	case errors.Is(err, model.ErrNotFound):
		return &ErrReply{HTTPStatusCode: http.StatusNotFound, Detail: err.Error()}
	case errors.Is(err, model.ErrAlreadyFinished):
		return &ErrReply{HTTPStatusCode: http.StatusConflict, Detail: err.Error()}
	case errors.Is(err, model.ErrBusy), errors.Is(err, model.ErrShutdown):
		return &ErrReply{HTTPStatusCode: http.StatusServiceUnavailable, Detail: err.Error()}
	default:
		return &ErrReply{HTTPStatusCode: http.StatusInternalServerError, Detail: err.Error()}
	}
}
