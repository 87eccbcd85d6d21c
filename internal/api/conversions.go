package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/rakeback-engine/internal/conversion"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/store"
)

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	start, err := optionalInt64(r, "start", "start_block")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := optionalInt64(r, "end", "end_block")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := model.AllocationStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.AllocationPending, model.AllocationAllocated, model.AllocationUnallocated:
	default:
		s.writeError(w, r, model.Invalid("status", "must be pending, allocated or unallocated"))
		return
	}
	p := parsePage(r)

	events, err := s.svc.Store.ListConversions(r.Context(), store.ConversionFilter{
		Validator:  r.URL.Query().Get("validator_hotkey"),
		StartBlock: start,
		EndBlock:   end,
		Status:     status,
		Limit:      p.Limit,
		Offset:     p.Offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []model.ConversionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.Store.GetConversion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleIngestConversions(w http.ResponseWriter, r *http.Request) {
	start, err := requireInt64(r, "start_block")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := requireInt64(r, "end_block")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Conversions.Ingest(r.Context(), conversion.IngestRequest{
		StartBlock: start,
		EndBlock:   end,
		Validator:  r.URL.Query().Get("validator_hotkey"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
