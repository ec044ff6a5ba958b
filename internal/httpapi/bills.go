package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/service"
)

type bulkRequest struct {
	IDs    []string          `json:"ids"`
	Status domain.BillStatus `json:"status,omitempty"`
}

func (a *API) handleListBills(w http.ResponseWriter, r *http.Request) {
	q, err := billQueryFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	page, err := a.service.Bills.List(r.Context(), q)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var bill domain.Bill
	if err := decodeJSON(r, &bill); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bill.Metadata = nil

	items, err := a.coordinator.CreateBill(r.Context(), bill, nil, nil)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bill": items[0]})
}

func (a *API) handleGetBill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.URL.Query().Get("include") == "products" {
		view, err := a.service.Bills.GetWithProducts(r.Context(), id)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	bill, err := a.service.Bills.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
}

func (a *API) handleUpdateBill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch domain.BillPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	current, err := a.service.Bills.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	items, err := a.coordinator.UpdateBill(r.Context(), id, patch, []domain.Bill{current}, nil)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": items[0]})
}

func (a *API) handleDeleteBill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	current, err := a.service.Bills.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if _, err := a.coordinator.DeleteBill(r.Context(), id, []domain.Bill{current}, nil); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBillProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.Products.ListByBill(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products, "totals": domain.ComputeTotals(products)})
}

func (a *API) handleDuplicateBill(w http.ResponseWriter, r *http.Request) {
	bill, err := a.service.Bills.Duplicate(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bill": bill})
}

func (a *API) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	bill, err := a.service.Bills.RecalculateTotals(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
}

func (a *API) handleCheckTotals(w http.ResponseWriter, r *http.Request) {
	check, err := a.service.Bills.CheckTotals(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"check": check, "consistent": check.Consistent()})
}

func (a *API) handleDrift(w http.ResponseWriter, r *http.Request) {
	drift, err := a.service.Bills.FindDrift(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drift": drift})
}

func (a *API) handleBulkBills(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("ids required"))
		return
	}

	ctx := r.Context()
	var results []domain.BulkResult
	switch action := r.PathValue("action"); action {
	case "delete":
		results = a.service.Bills.BulkDelete(ctx, req.IDs)
	case "duplicate":
		results = a.service.Bills.BulkDuplicate(ctx, req.IDs)
	case "status":
		if !req.Status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid status %q", req.Status))
			return
		}
		results = a.service.Bills.BulkUpdateStatus(ctx, req.IDs, req.Status)
	case "export":
		bills, exportResults := a.service.Bills.BulkExport(ctx, req.IDs)
		writeJSON(w, http.StatusOK, map[string]any{"bills": bills, "results": exportResults, "exported_at": time.Now().UTC()})
		return
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown bulk action %q", action))
		return
	}
	writeBulk(w, results)
}

func writeBulk(w http.ResponseWriter, results []domain.BulkResult) {
	succeeded, failed := domain.CountBulk(results)
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"succeeded": succeeded,
		"failed":    failed,
	})
}

func billQueryFrom(r *http.Request) (service.BillQuery, error) {
	values := r.URL.Query()
	q := service.BillQuery{
		Status: domain.BillStatus(strings.TrimSpace(values.Get("status"))),
		Vendor: values.Get("vendor"),
		Search: values.Get("search"),
		SortBy: strings.TrimSpace(values.Get("sort")),
		Desc:   values.Get("desc") == "true",
		Limit:  parsePositiveLimit(values.Get("limit"), service.DefaultPageSize, service.MaxPageSize),
		Cursor: strings.TrimSpace(values.Get("cursor")),
	}
	if q.Status != "" && !q.Status.Valid() {
		return q, fmt.Errorf("invalid status %q", q.Status)
	}
	var err error
	if q.From, err = parseDate(values.Get("from")); err != nil {
		return q, err
	}
	if q.To, err = parseDate(values.Get("to")); err != nil {
		return q, err
	}
	return q, nil
}

func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", raw)
}
