package service

import (
	"context"

	"billsync/backend/internal/domain"
)

// Bulk operations run item by item. A failing item is reported in its result
// and never stops the remaining ones.

func (s *BillService) BulkDelete(ctx context.Context, ids []string) []domain.BulkResult {
	results := make([]domain.BulkResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, result(id, s.Delete(ctx, id)))
	}
	s.logBulk("delete", results)
	return results
}

func (s *BillService) BulkDuplicate(ctx context.Context, ids []string) []domain.BulkResult {
	results := make([]domain.BulkResult, 0, len(ids))
	for _, id := range ids {
		dup, err := s.Duplicate(ctx, id)
		r := result(id, err)
		if err == nil {
			r.NewID = dup.ID
		}
		results = append(results, r)
	}
	s.logBulk("duplicate", results)
	return results
}

func (s *BillService) BulkUpdateStatus(ctx context.Context, ids []string, status domain.BillStatus) []domain.BulkResult {
	results := make([]domain.BulkResult, 0, len(ids))
	for _, id := range ids {
		_, err := s.Update(ctx, id, domain.BillPatch{Status: &status})
		results = append(results, result(id, err))
	}
	s.logBulk("update_status", results)
	return results
}

// BulkExport loads every requested bill with its products. Bills that could
// not be loaded are absent from the export and reported in the results.
func (s *BillService) BulkExport(ctx context.Context, ids []string) ([]domain.BillWithProducts, []domain.BulkResult) {
	exported := make([]domain.BillWithProducts, 0, len(ids))
	results := make([]domain.BulkResult, 0, len(ids))
	for _, id := range ids {
		v, err := s.GetWithProducts(ctx, id)
		if err == nil {
			exported = append(exported, v)
		}
		results = append(results, result(id, err))
	}
	s.logBulk("export", results)
	return exported, results
}

func (s *ProductService) BulkDelete(ctx context.Context, ids []string) []domain.BulkResult {
	results := make([]domain.BulkResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, result(id, s.Delete(ctx, id)))
	}
	return results
}

func result(id string, err error) domain.BulkResult {
	if err != nil {
		return domain.BulkResult{ID: id, Error: err.Error()}
	}
	return domain.BulkResult{ID: id, Success: true}
}

func (s *BillService) logBulk(op string, results []domain.BulkResult) {
	ok, failed := domain.CountBulk(results)
	if failed > 0 {
		s.logger.Warn("bulk operation partially failed", "op", op, "succeeded", ok, "failed", failed)
		return
	}
	s.logger.Debug("bulk operation done", "op", op, "succeeded", ok)
}
