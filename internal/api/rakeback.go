package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/rakeback-engine/internal/ledger"
	"github.com/sells-group/rakeback-engine/internal/model"
)

// statusChange moves a ledger entry through its payment lifecycle.
type statusChange struct {
	Status        model.LedgerStatus `json:"status"`
	PaymentTxHash string             `json:"paymentTxHash"`
	Reason        string             `json:"reason"`
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01"}

func parseDate(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, model.Invalid(name, "must be a date (YYYY-MM-DD, YYYY-MM or RFC 3339)")
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.LedgerStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(w, r, model.Invalid("status", "must be PENDING, PAID or DISPUTED"))
		return
	}
	from, err := parseDate("from", q.Get("from"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseDate("to", q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	entries, err := s.svc.Ledger.Entries(r.Context(), model.LedgerFilter{
		PartnerID: q.Get("partnerId"),
		From:      from,
		To:        to,
		Status:    status,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.RakebackLedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Store.GetLedgerEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("period") == "" {
		s.writeError(w, r, model.Invalid("period", "is required"))
		return
	}
	p, err := ledger.ParsePeriod(q.Get("period"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	partnerID := q.Get("partnerId")
	if partnerID == "" {
		outcomes, err := s.svc.Ledger.AggregateAll(r.Context(), p)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
		return
	}

	entry, err := s.svc.Ledger.Aggregate(r.Context(), partnerID, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	var req statusChange
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")

	var (
		entry *model.RakebackLedgerEntry
		err   error
	)
	switch req.Status {
	case model.LedgerPaid:
		entry, err = s.svc.Ledger.Pay(r.Context(), id, req.PaymentTxHash)
	case model.LedgerDisputed:
		entry, err = s.svc.Ledger.Dispute(r.Context(), id, req.Reason)
	case model.LedgerPending:
		entry, err = s.svc.Ledger.Reopen(r.Context(), id)
	default:
		err = model.Invalid("status", "must be PENDING, PAID or DISPUTED")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseDate("from", q.Get("from"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseDate("to", q.Get("to"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	format := q.Get("format")
	if format == "" {
		format = ledger.FormatCSV
	}

	// Buffered so a failure can still be reported with a proper status.
	var buf bytes.Buffer
	if err := s.svc.Ledger.Export(r.Context(), &buf, ledger.ExportRequest{
		PartnerID: q.Get("partnerId"),
		From:      from,
		To:        to,
		Format:    format,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", ledger.ContentType(format))
	w.Header().Set("Content-Disposition", `attachment; filename="rakeback-ledger.`+format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
