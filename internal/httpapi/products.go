package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/service"
)

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := service.ProductQuery{
		BillID:   values.Get("bill_id"),
		Category: values.Get("category"),
		Vendor:   values.Get("vendor"),
		Search:   values.Get("search"),
		SortBy:   strings.TrimSpace(values.Get("sort")),
		Desc:     values.Get("desc") == "true",
		Limit:    parsePositiveLimit(values.Get("limit"), service.DefaultPageSize, service.MaxPageSize),
		Cursor:   strings.TrimSpace(values.Get("cursor")),
	}
	page, err := a.service.Products.List(r.Context(), q)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var product domain.Product
	if err := decodeJSON(r, &product); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product.Metadata = nil

	created, err := a.service.Products.Create(r.Context(), product)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": created})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.Products.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var patch domain.ProductPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := a.service.Products.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": updated})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Products.Delete(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBulkDeleteProducts(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("ids required"))
		return
	}
	writeBulk(w, a.service.Products.BulkDelete(r.Context(), req.IDs))
}

func (a *API) handleGrouping(w http.ResponseWriter, r *http.Request) {
	grouping, err := a.service.Products.Grouping(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grouping)
}
