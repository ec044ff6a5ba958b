package domain

// DuplicateBill copies the fields a duplicated bill carries forward. Identity,
// timestamps and aggregates are left for the store and the recalculation.
// New fields on Bill are not copied unless added here.
func DuplicateBill(src Bill, newID string, billNumber string) Bill {
	return Bill{
		ID:         newID,
		BillNumber: billNumber,
		Date:       src.Date,
		Vendor:     src.Vendor,
		Notes:      src.Notes,
		Status:     BillStatusActive,
	}
}

func DuplicateProduct(src Product, newID string, bill Bill) Product {
	return DeriveProductFields(Product{
		ID:            newID,
		BillID:        bill.ID,
		BillNumber:    bill.BillNumber,
		ProductName:   src.ProductName,
		Category:      src.Category,
		Vendor:        src.Vendor,
		MRP:           src.MRP,
		TotalQuantity: src.TotalQuantity,
		TotalAmount:   src.TotalAmount,
	})
}
