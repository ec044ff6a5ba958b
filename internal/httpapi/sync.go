package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
)

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 a.sync.SyncStatus(),
		"pending_recalculations": a.service.Bills.PendingRecalculations(),
		"stream_clients":         a.hub.Clients(),
	})
}

func (a *API) handleConflicts(w http.ResponseWriter, r *http.Request) {
	records := a.sync.PendingConflicts()
	if r.URL.Query().Get("all") == "true" {
		records = a.sync.Conflicts().All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": records})
}

func (a *API) handleAcknowledgeConflict(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid conflict index %q", r.PathValue("index")))
		return
	}
	if err := a.sync.AcknowledgeConflict(index); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": index})
}

func (a *API) handleClearConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"removed": a.sync.ClearAcknowledgedConflicts()})
}

func (a *API) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.analytics.Summary(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := a.analytics.Orphans(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orphans": orphans, "count": len(orphans)})
}
