package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rakeback-engine/internal/attribution"
	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/store"
)

// blockBreakdown is the per-delegator view of one block.
type blockBreakdown struct {
	BlockNumber     int64                    `json:"blockNumber"`
	ValidatorHotkey string                   `json:"validatorHotkey,omitempty"`
	Ingestions      []model.BlockIngestion   `json:"ingestions"`
	Attributions    []model.BlockAttribution `json:"attributions"`
	TotalAttributed decimal.Decimal          `json:"totalAttributed"`
}

func (s *Server) handleListAttributions(w http.ResponseWriter, r *http.Request) {
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
	f := store.AttributionFilter{
		Validator:  r.URL.Query().Get("validator_hotkey"),
		StartBlock: start,
		EndBlock:   end,
	}
	if raw := r.URL.Query().Get("subnet_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, model.Invalid("subnet_id", "must be an integer"))
			return
		}
		f.SubnetID = &id
	}
	p := parsePage(r)
	f.Limit, f.Offset = p.Limit, p.Offset

	attrs, err := s.svc.Store.ListAttributions(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if attrs == nil {
		attrs = []model.BlockAttribution{}
	}
	writeJSON(w, http.StatusOK, attrs)
}

func (s *Server) handleBlockAttributions(w http.ResponseWriter, r *http.Request) {
	block, err := strconv.ParseInt(chi.URLParam(r, "blockNumber"), 10, 64)
	if err != nil {
		s.writeError(w, r, model.Invalid("blockNumber", "must be an integer"))
		return
	}
	validator := r.URL.Query().Get("validator_hotkey")
	ings, attrs, err := s.svc.Store.BlockAttributions(r.Context(), block, validator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if attrs == nil {
		attrs = []model.BlockAttribution{}
	}
	total := decimal.Zero
	for _, a := range attrs {
		total = total.Add(a.AttributedYield)
	}
	writeJSON(w, http.StatusOK, blockBreakdown{
		BlockNumber:     block,
		ValidatorHotkey: validator,
		Ingestions:      ings,
		Attributions:    attrs,
		TotalAttributed: total,
	})
}

func (s *Server) handleIngestAttributions(w http.ResponseWriter, r *http.Request) {
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
	force, err := queryBool(r, "force")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.svc.Attributions.Ingest(r.Context(), attribution.Request{
		Validator:  r.URL.Query().Get("validator_hotkey"),
		StartBlock: start,
		EndBlock:   end,
		Force:      force,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
