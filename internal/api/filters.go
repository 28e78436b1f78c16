// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/metrics"
)

// FilterView is the JSON form of an installed filter.
type FilterView struct {
	ID        uint64          `json:"id"`
	Interface string          `json:"interface,omitempty"`
	Type      string          `json:"type"`
	Match     string          `json:"match"`
	Proto     uint8           `json:"proto,omitempty"`
	Target    string          `json:"target"`
	Start     time.Time       `json:"start"`
	Expires   *time.Time      `json:"expires,omitempty"`
	Params    *ParamsView     `json:"params,omitempty"`
	Counters  filter.Counters `json:"counters"`
}

// ParamsView holds the non-zero target parameters.
type ParamsView struct {
	LimitBurst  uint32 `json:"limit_burst,omitempty"`
	LimitRate   uint32 `json:"limit_rate,omitempty"`
	Threshold   uint64 `json:"threshold,omitempty"`
	NotifyReset bool   `json:"notify_reset,omitempty"`
	ModifyField string `json:"modify_field,omitempty"`
	ModifyValue []byte `json:"modify_value,omitempty"`
}

// NewFilterView converts rec.
func NewFilterView(rec *filter.Record) FilterView {
	v := FilterView{
		ID:        rec.ID,
		Interface: rec.Interface,
		Type:      rec.Type.String(),
		Match:     rec.Match.String(),
		Proto:     rec.Proto,
		Target:    rec.Target.String(),
		Start:     rec.Start,
	}
	if rec.Duration > 0 {
		end := rec.End()
		v.Expires = &end
	}
	p := rec.Params
	if p.LimitBurst != 0 || p.LimitRate != 0 || p.Threshold != 0 || p.NotifyReset || p.ModifyField != "" {
		v.Params = &ParamsView{
			LimitBurst:  p.LimitBurst,
			LimitRate:   p.LimitRate,
			Threshold:   p.Threshold,
			NotifyReset: p.NotifyReset,
			ModifyField: p.ModifyField,
			ModifyValue: p.ModifyValue,
		}
	}
	if rec.State != nil {
		v.Counters = rec.State.Snapshot()
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"filters": s.opts.Table.Len(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if s.opts.Events != nil {
		resp["event_clients"] = s.opts.Events.Clients()
	}
	if s.opts.Status != nil {
		for k, v := range s.opts.Status() {
			resp[k] = v
		}
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	recs := s.opts.Table.List(r.URL.Query().Get("interface"))
	out := make([]FilterView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, NewFilterView(rec))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"filters": out,
		"count":   len(out),
	})
}

func filterID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id != 0
}

func (s *Server) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	id, ok := filterID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid filter id")
		return
	}
	rec, ok := s.opts.Table.Get(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "filter not found")
		return
	}
	respondWithJSON(w, http.StatusOK, NewFilterView(rec))
}

func (s *Server) handleDeleteFilter(w http.ResponseWriter, r *http.Request) {
	id, ok := filterID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid filter id")
		return
	}
	if err := s.opts.Table.Remove(id); err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("filter removed via API", "id", id, "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

// FilterStats is the response of GET /api/v1/filters/{id}/stats.
type FilterStats struct {
	ID       uint64               `json:"id"`
	Counters filter.Counters      `json:"counters"`
	Rates    *metrics.RecordStats `json:"rates,omitempty"`
	Sampled  *time.Time           `json:"sampled,omitempty"`
}

func (s *Server) handleFilterStats(w http.ResponseWriter, r *http.Request) {
	id, ok := filterID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid filter id")
		return
	}
	rec, ok := s.opts.Table.Get(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "filter not found")
		return
	}

	resp := FilterStats{ID: id, Counters: rec.State.Snapshot()}
	if s.opts.Collector != nil {
		if st, ok := s.opts.Collector.GetRecordStats(id); ok {
			resp.Rates = &st
			ts := s.opts.Collector.GetLastUpdate()
			resp.Sampled = &ts
		}
	}
	respondWithJSON(w, http.StatusOK, resp)
}
