package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/rakeback-engine/internal/model"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Anything outside it
// is an internal error and its text is not echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field})
	case model.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case model.IsGatewayTimeout(err):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// requireToken rejects mutating requests without the configured bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "api"
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Invalid("body", "invalid JSON: %v", err)
	}
	return nil
}

// queryInt64 parses an optional integer query parameter. Missing values read
// as zero.
func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, model.Invalid(name, "must be an integer")
	}
	return n, nil
}

func requireInt64(r *http.Request, name string) (int64, error) {
	if r.URL.Query().Get(name) == "" {
		return 0, model.Invalid(name, "is required")
	}
	return queryInt64(r, name)
}

// firstInt64 reads the first parameter present among names.
func firstInt64(r *http.Request, names ...string) (int64, error) {
	for _, name := range names {
		if r.URL.Query().Get(name) != "" {
			return queryInt64(r, name)
		}
	}
	return 0, nil
}

// optionalInt64 is firstInt64 for filters where zero is a real value. It
// returns nil when none of names is present.
func optionalInt64(r *http.Request, names ...string) (*int64, error) {
	for _, name := range names {
		if r.URL.Query().Get(name) != "" {
			n, err := queryInt64(r, name)
			if err != nil {
				return nil, err
			}
			return &n, nil
		}
	}
	return nil, nil
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, model.Invalid(name, "must be a boolean")
	}
	return b, nil
}

type page struct {
	Limit  int
	Offset int
}

func parsePage(r *http.Request) page {
	p := page{Limit: defaultLimit}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		p.Limit = min(l, maxLimit)
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o > 0 {
		p.Offset = o
	}
	return p
}
