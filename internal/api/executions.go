package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
)

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageNum, size, err := pagination(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := crawler.ExecutionFilter{
		WebsiteID: q.Get("website_id"),
		Label:     q.Get("label"),
		Sort:      q.Get("sort"),
		Limit:     size,
		Offset:    (pageNum - 1) * size,
	}
	execs, err := s.store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page[crawler.Execution]{Page: pageNum, PageSize: size, Results: execs})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "execution_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}
