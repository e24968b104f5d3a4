package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/storage"
)

const (
	defaultPageSize = 5
	maxPageSize     = 100
)

// tagList accepts either a JSON array of strings or a "; "-separated string.
type tagList []string

func (t *tagList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = normalizeTags(list)
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("tags must be a list of strings or a \"; \"-separated string")
	}
	*t = storage.SplitTags(joined)
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

type websiteRequest struct {
	URL             string              `json:"url"`
	BoundaryPattern string              `json:"boundary_pattern"`
	Periodicity     crawler.Periodicity `json:"periodicity"`
	Label           string              `json:"label"`
	Active          *bool               `json:"active"`
	Tags            tagList             `json:"tags"`
}

// apply copies the request onto site. Omitted active keeps the current value.
func (req websiteRequest) apply(site *crawler.WebsiteRecord) {
	site.URL = strings.TrimSpace(req.URL)
	site.BoundaryPattern = req.BoundaryPattern
	site.Periodicity = req.Periodicity
	site.Label = strings.TrimSpace(req.Label)
	if req.Active != nil {
		site.Active = *req.Active
	}
	site.Tags = []string(req.Tags)
	if site.Tags == nil {
		site.Tags = []string{}
	}
}

type page[T any] struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Results  []T `json:"results"`
}

func decodeWebsite(r *http.Request) (websiteRequest, error) {
	var req websiteRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return websiteRequest{}, fmt.Errorf("%w: %w", crawler.ErrInvalidWebsite, err)
	}
	return req, nil
}

func (s *Server) createWebsite(w http.ResponseWriter, r *http.Request) {
	req, err := decodeWebsite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.idGen.NewID()
	if err != nil {
		s.fail(w, r, fmt.Errorf("generate website id: %w", err))
		return
	}
	site := crawler.WebsiteRecord{ID: id, Active: true, CreatedAt: s.clock.Now().UTC()}
	req.apply(&site)
	if err := site.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.CreateWebsite(r.Context(), site); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("website created", zap.String("website_id", site.ID), zap.String("label", site.Label))
	s.crawlIfActive(r, site)
	s.writeJSON(w, http.StatusCreated, site)
}

func (s *Server) listWebsites(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageNum, size, err := pagination(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := crawler.WebsiteFilter{
		URL:    q.Get("url"),
		Label:  q.Get("label"),
		Tags:   queryTags(r),
		Sort:   q.Get("sort"),
		Limit:  size,
		Offset: (pageNum - 1) * size,
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		filter.Active = &active
	}
	sites, err := s.store.ListWebsites(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page[crawler.WebsiteRecord]{Page: pageNum, PageSize: size, Results: sites})
}

func (s *Server) getWebsite(w http.ResponseWriter, r *http.Request) {
	site, err := s.store.GetWebsite(r.Context(), chi.URLParam(r, "website_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, site)
}

func (s *Server) updateWebsite(w http.ResponseWriter, r *http.Request) {
	site, err := s.store.GetWebsite(r.Context(), chi.URLParam(r, "website_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := decodeWebsite(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	wasActive := site.Active
	req.apply(&site)
	if err := site.Validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.UpdateWebsite(r.Context(), site); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("website updated", zap.String("website_id", site.ID), zap.Bool("active", site.Active))
	if wasActive && !site.Active {
		s.crawls.Cancel(site.ID)
	}
	s.crawlIfActive(r, site)
	s.writeJSON(w, http.StatusOK, site)
}

func (s *Server) deleteWebsite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "website_id")
	if _, err := s.store.GetWebsite(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.crawls.Cancel(id)
	if err := s.store.DeleteWebsite(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("website deleted", zap.String("website_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	execID, err := s.crawls.StartCrawl(r.Context(), chi.URLParam(r, "website_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "website_id")
	if _, err := s.store.GetWebsite(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.crawls.Cancel(id) {
		s.writeError(w, http.StatusConflict, "no active crawl")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"website_id": id, "status": "canceling"})
}

func (s *Server) websiteGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := s.store.WebsiteGraph(r.Context(), chi.URLParam(r, "website_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, graph)
}

// crawlIfActive starts a crawl for an active record. Failures are logged; the
// record change itself already succeeded.
func (s *Server) crawlIfActive(r *http.Request, site crawler.WebsiteRecord) {
	if !site.Active {
		return
	}
	execID, err := s.crawls.StartCrawl(r.Context(), site.ID)
	if err != nil {
		s.logger.Warn("start crawl after save failed", zap.String("website_id", site.ID), zap.Error(err))
		return
	}
	s.logger.Debug("crawl started after save",
		zap.String("website_id", site.ID),
		zap.String("execution_id", execID),
	)
}

func pagination(r *http.Request) (pageNum, size int, err error) {
	q := r.URL.Query()
	pageNum, size = 1, defaultPageSize
	if raw := q.Get("page"); raw != "" {
		pageNum, err = strconv.Atoi(raw)
		if err != nil || pageNum < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if raw := q.Get("page_size"); raw != "" {
		size, err = strconv.Atoi(raw)
		if err != nil || size < 1 {
			return 0, 0, errors.New("page_size must be a positive integer")
		}
		size = min(size, maxPageSize)
	}
	return pageNum, size, nil
}

// queryTags collects repeated tag and tags[] parameters, skipping blanks.
func queryTags(r *http.Request) []string {
	q := r.URL.Query()
	var tags []string
	for _, raw := range append(q["tag"], q["tags[]"]...) {
		if tag := strings.TrimSpace(raw); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
