package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/video-product-extractor/internal/catalog"
	"github.com/MimeLyc/video-product-extractor/internal/config"
	"github.com/MimeLyc/video-product-extractor/internal/export"
	"github.com/MimeLyc/video-product-extractor/internal/jobs"
	"github.com/MimeLyc/video-product-extractor/internal/manual"
	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type jobResponse struct {
	ID              string            `json:"id"`
	VideoURL        string            `json:"video_url"`
	Status          jobs.Status       `json:"status"`
	Stage           jobs.Stage        `json:"stage"`
	LastCompleted   jobs.Stage        `json:"last_completed,omitempty"`
	Failure         *jobs.Failure     `json:"failure,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	Candidates      []candidateView   `json:"candidates"`
	Matching        *catalog.Settings `json:"matching,omitempty"`
	Output          product.Output    `json:"output"`
	Partial         bool              `json:"partial"`
	Attempts        int               `json:"attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type candidateView struct {
	ID         string              `json:"id"`
	Mention    string              `json:"mention"`
	Name       string              `json:"name,omitempty"`
	Timestamp  *string             `json:"timestamp"`
	Sources    []product.Source    `json:"sources"`
	State      product.State       `json:"state"`
	LostReason product.LostReason  `json:"lost_reason,omitempty"`
	Catalog    *product.CatalogRef `json:"catalog,omitempty"`
	Confidence *float64            `json:"confidence,omitempty"`
	Position   int                 `json:"position"`
}

func newJobResponse(j *jobs.Job) jobResponse {
	resp := jobResponse{
		ID:              j.ID,
		VideoURL:        j.VideoURL,
		Status:          j.Status,
		Stage:           j.Stage,
		LastCompleted:   j.LastCompleted,
		Failure:         j.Failure,
		CancelRequested: j.CancelRequested,
		Candidates:      make([]candidateView, 0, len(j.Candidates)),
		Matching:        j.Matching,
		Attempts:        j.Attempts,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	for _, c := range j.Candidates {
		resp.Candidates = append(resp.Candidates, candidateView{
			ID:         c.ID,
			Mention:    c.Mention,
			Name:       c.Name,
			Timestamp:  product.FormatTimestamp(c.Timestamp),
			Sources:    c.Sources,
			State:      c.State,
			LostReason: c.LostReason,
			Catalog:    c.Catalog,
			Confidence: c.Confidence,
			Position:   c.Position,
		})
	}
	// running jobs report what is already resolved
	if j.Output != nil {
		resp.Output = *j.Output
	} else {
		resp.Output = product.Aggregate(j.Candidates)
		resp.Partial = true
	}
	return resp
}

type enqueueJobRequest struct {
	VideoURL  string `json:"video_url"`
	DedupeKey string `json:"dedupe_key"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.queue.List()
		ret := make([]jobResponse, 0, len(list))
		for _, j := range list {
			ret = append(ret, newJobResponse(j))
		}
		writeJSON(w, http.StatusOK, ret)
	case http.MethodPost:
		var req enqueueJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
			req.DedupeKey = key
		}
		if s.validate != nil && strings.TrimSpace(req.VideoURL) != "" {
			if err := s.validate(req.VideoURL); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		job, created, err := s.queue.Submit(jobs.EnqueueRequest{
			VideoURL:  req.VideoURL,
			DedupeKey: req.DedupeKey,
		})
		if err != nil {
			writeQueueError(w, err)
			return
		}
		code := http.StatusAccepted
		if !created {
			code = http.StatusOK
		}
		writeJSON(w, code, map[string]any{
			"created": created,
			"job":     newJobResponse(job),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(r.PathValue("id"))
	if err != nil && job == nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Retry(r.PathValue("id"))
	if err != nil && job == nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

type addProductRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (s *Server) handleAddProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req addProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	link, err := manual.Parse(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// fail fast before touching the catalog
	current, ok := s.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !current.Status.Terminal() {
		writeQueueError(w, jobs.ErrJobNotTerminal)
		return
	}

	ref, name := s.resolveManual(r, link, strings.TrimSpace(req.Name))
	job, err := s.queue.AddManual(id, manual.Candidate(uuid.NewString(), link, ref, name, 0))
	if err != nil && job == nil {
		writeQueueError(w, err)
		return
	}
	if err != nil {
		log.Warn("persist manual product for job %s: %v", id, err)
	}
	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

// resolveManual reuses a known catalog product for the link, registering one if needed.
func (s *Server) resolveManual(r *http.Request, link manual.Link, name string) (product.CatalogRef, string) {
	ref := product.CatalogRef{Listings: map[product.Market]string{link.Market: link.ExternalID}}
	if s.catalog == nil {
		return ref, name
	}
	if entry, ok := s.catalog.Lookup(link.Market, link.ExternalID); ok {
		if name == "" {
			name = entry.Name
		}
		return entry.Ref(), name
	}

	display := manual.Candidate("", link, product.CatalogRef{}, name, 0).Name
	entry, err := s.catalog.Remember(r.Context(), catalog.Entry{Name: display, Listings: ref.Listings})
	if err != nil {
		log.Warn("remember manual product %s:%s: %v", link.Market, link.ExternalID, err)
	}
	if entry.ID != "" {
		ref = entry.Ref()
	}
	return ref, name
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, job.Candidates); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="products-%s.xlsx"`, job.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.health {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrJobTerminal),
		errors.Is(err, jobs.ErrJobNotTerminal),
		errors.Is(err, jobs.ErrNotRetryable),
		errors.Is(err, jobs.ErrDuplicateProduct):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
