package server

import (
	"net/http"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/schema"
)

// instrumentSummary is the listing shape for GET /v1/instruments. The
// full definition, rules included, comes from the detail endpoint.
type instrumentSummary struct {
	Key       string       `json:"key"`
	Title     string       `json:"title"`
	Modes     []model.Code `json:"modes,omitempty"`
	Domains   int          `json:"domains"`
	Questions int          `json:"questions"`
}

// HandleListInstruments handles GET /v1/instruments.
func (h *Handlers) HandleListInstruments(w http.ResponseWriter, r *http.Request) {
	keys := schema.Keys()
	out := make([]instrumentSummary, 0, len(keys))
	for _, key := range keys {
		in, ok := schema.Get(key)
		if !ok {
			continue
		}
		questions := 0
		for _, d := range in.Domains {
			questions += len(d.Questions)
		}
		out = append(out, instrumentSummary{
			Key:       in.Key,
			Title:     in.Title,
			Modes:     in.Modes,
			Domains:   len(in.Domains),
			Questions: questions,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetInstrument handles GET /v1/instruments/{key}. Returns the
// complete definition: preliminary fields, domains, questions, scoring
// rules, and the gate if the instrument has one.
func (h *Handlers) HandleGetInstrument(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	in, ok := schema.Get(key)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown instrument")
		return
	}
	writeJSON(w, r, http.StatusOK, in)
}
