package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/rules"
)

func (s *Server) handleListPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := s.svc.Partners.ListPartners(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if partners == nil {
		partners = []model.Partner{}
	}
	writeJSON(w, http.StatusOK, partners)
}

func (s *Server) handleGetPartner(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Partners.GetPartner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreatePartner(w http.ResponseWriter, r *http.Request) {
	var req rules.CreatePartnerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Partners.CreatePartner(r.Context(), req, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePartner(w http.ResponseWriter, r *http.Request) {
	var req rules.UpdatePartnerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Partners.UpdatePartner(r.Context(), chi.URLParam(r, "id"), req, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var in rules.RuleInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.svc.Partners.AddRule(r.Context(), chi.URLParam(r, "id"), in, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleChangeLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, maxLimit)
	}
	entries, err := s.svc.Partners.ListChangeLog(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.RuleChangeLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
