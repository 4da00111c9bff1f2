package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/jobs"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

const maxBodyBytes = 1 << 16

// crawlBody is the POST /api/crawls payload. All fields are optional.
type crawlBody struct {
	DateFrom string   `json:"date_from"`
	DateTo   string   `json:"date_to"`
	Refresh  bool     `json:"refresh"`
	CIKs     []string `json:"ciks"`
}

func (b crawlBody) request() (model.CrawlRequest, error) {
	req := model.CrawlRequest{Refresh: b.Refresh, CIKs: b.CIKs}
	if b.DateFrom != "" {
		t, err := model.ParseDate(b.DateFrom)
		if err != nil {
			return req, err
		}
		req.DateFrom = &t
	}
	if b.DateTo != "" {
		t, err := model.ParseDate(b.DateTo)
		if err != nil {
			return req, err
		}
		req.DateTo = &t
	}
	return req, jobs.ValidateRequest(req)
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var body crawlBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := body.request()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		zap.L().Error("api: enqueue crawl", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not start crawl")
		return
	}
	zap.L().Info("crawl queued", zap.String("run_id", run.ID), zap.Bool("refresh", req.Refresh))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     run.ID,
		"status": string(run.Status),
	})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Job: s.queue.Job()}
	if v := r.URL.Query().Get("status"); v != "" {
		status := model.RunStatus(v)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(v))
			return
		}
		filter.Status = status
	}
	filter.Limit, filter.Offset = parseLimitOffset(r)

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	out := make([]runView, 0, len(runs))
	for i := range runs {
		out = append(out, s.view(&runs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, s.view(run))
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.canceller.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, jobs.ErrNotCancellable):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.storeError(w, err, "run")
	}
}

func documentFilter(r *http.Request) (store.DocumentFilter, error) {
	q := r.URL.Query()
	filter := store.DocumentFilter{Label: q.Get("label")}
	if v := q.Get("cik"); v != "" {
		filter.CIK = model.NormalizeCIK(v)
		if filter.CIK == "" {
			return filter, errors.New("invalid cik " + strconv.Quote(v))
		}
	}
	if v := q.Get("processed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("invalid processed " + strconv.Quote(v))
		}
		filter.Processed = &b
	}
	filter.Limit, filter.Offset = parseLimitOffset(r)
	return filter, nil
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	filter, err := documentFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	docs, err := s.store.ListDocuments(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list documents", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not list documents")
		return
	}
	if docs == nil {
		docs = []model.CandidateDocument{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) countDocuments(w http.ResponseWriter, r *http.Request) {
	filter, err := documentFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.store.CountDocuments(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: count documents", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not count documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

// documentMetrics lists a document's extracted metrics. A known document
// with nothing extracted yet answers an empty list; an unknown id is a 404.
func (s *Server) documentMetrics(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "document")
		return
	}
	if results == nil {
		results = []model.MetricResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) storeError(w http.ResponseWriter, err error, resource string) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, resource+" not found")
		return
	}
	zap.L().Error("api: store error", zap.String("resource", resource), zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal error")
}

// parseLimitOffset reads limit and offset query params. Bad values fall
// back to the store defaults.
func parseLimitOffset(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
