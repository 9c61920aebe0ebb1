package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bher20/countryrates/internal/countries"
	"github.com/bher20/countryrates/internal/service"
	"github.com/bher20/countryrates/internal/storage"
	"github.com/bher20/countryrates/internal/summary"
)

type handler struct {
	svc     Countries
	log     *zap.Logger
	version string
}

type refreshResponse struct {
	Message         string    `json:"message"`
	RunID           string    `json:"run_id"`
	Count           int       `json:"count"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	Degraded        bool      `json:"degraded"`
}

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Country Currency & Exchange API",
		"version": h.version,
		"docs":    "/docs/",
	})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Refresh(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msg := "Countries refreshed successfully"
	if res.Degraded {
		msg = "Countries refreshed without exchange rates"
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Message:         msg,
		RunID:           res.RunID,
		Count:           res.Count,
		LastRefreshedAt: res.LastRefreshedAt,
		Degraded:        res.Degraded,
	})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := countries.ParseSortKey(q.Get("sort"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f := countries.Filter{
		Region:   strings.TrimSpace(q.Get("region")),
		Currency: strings.TrimSpace(q.Get("currency")),
	}
	out, err := h.svc.List(r.Context(), f, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []countries.EnrichedCountry{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.svc.Get(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	name, err := nameParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.Delete(r.Context(), name); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nameParam returns the decoded {name} segment. chi matches on RawPath when
// the client escaped the path differently from Go (for example leaving "(",
// ")" or "'" as is), and the parameter is then still percent-encoded.
func nameParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "name")
	if r.URL.RawPath == "" {
		return raw, nil
	}
	name, err := url.PathUnescape(raw)
	if err != nil {
		return "", &countries.ValidationError{Field: "name", Value: raw, Msg: "invalid percent-encoding"}
	}
	return name, nil
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	md, err := h.svc.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (h *handler) image(w http.ResponseWriter, r *http.Request) {
	f, err := summary.Open(h.svc.ImagePath())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer f.Close()

	var modTime time.Time
	if fi, err := f.Stat(); err == nil {
		modTime = fi.ModTime()
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `inline; filename="summary.png"`)
	http.ServeContent(w, r, "summary.png", modTime, f)
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		h.log.Warn("readyz: store not reachable", zap.Error(err))
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// fail maps a service error onto the public error body.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *countries.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "Validation failed",
			Details: map[string]string{verr.Field: verr.Msg},
		})

	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Country not found"})

	case errors.Is(err, summary.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Summary image not found"})

	case errors.Is(err, service.ErrSourceUnavailable):
		h.log.Warn("refresh: source unavailable", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:   "External data source unavailable",
			Details: sourceDetails(err),
		})

	default:
		h.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
	}
}
