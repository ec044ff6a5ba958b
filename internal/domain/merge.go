package domain

import "strings"

// ApplyBillPatch merges patch over bill field by field. It does not touch
// identity or timestamps.
func ApplyBillPatch(bill Bill, patch BillPatch) Bill {
	if patch.BillNumber != nil {
		bill.BillNumber = strings.TrimSpace(*patch.BillNumber)
	}
	if patch.Date != nil {
		bill.Date = *patch.Date
	}
	if patch.Vendor != nil {
		bill.Vendor = strings.TrimSpace(*patch.Vendor)
	}
	if patch.Notes != nil {
		bill.Notes = strings.TrimSpace(*patch.Notes)
	}
	if patch.Status != nil {
		bill.Status = *patch.Status
	}
	if patch.TotalQuantity != nil {
		bill.TotalQuantity = *patch.TotalQuantity
	}
	if patch.TotalAmount != nil {
		bill.TotalAmount = *patch.TotalAmount
	}
	if patch.TotalProfit != nil {
		bill.TotalProfit = *patch.TotalProfit
	}
	if patch.ProductCount != nil {
		bill.ProductCount = *patch.ProductCount
	}
	return bill
}

// ApplyProductPatch merges patch over product and re-derives the per-piece
// figures.
func ApplyProductPatch(product Product, patch ProductPatch) Product {
	if patch.BillID != nil {
		product.BillID = strings.TrimSpace(*patch.BillID)
	}
	if patch.BillNumber != nil {
		product.BillNumber = strings.TrimSpace(*patch.BillNumber)
	}
	if patch.ProductName != nil {
		product.ProductName = strings.TrimSpace(*patch.ProductName)
	}
	if patch.Category != nil {
		product.Category = strings.TrimSpace(*patch.Category)
	}
	if patch.Vendor != nil {
		product.Vendor = strings.TrimSpace(*patch.Vendor)
	}
	if patch.MRP != nil {
		product.MRP = *patch.MRP
	}
	if patch.TotalQuantity != nil {
		product.TotalQuantity = *patch.TotalQuantity
	}
	if patch.TotalAmount != nil {
		product.TotalAmount = *patch.TotalAmount
	}
	return DeriveProductFields(product)
}

// DeriveProductFields recomputes costPerUnit, pricePerPiece and profitPerPiece.
func DeriveProductFields(p Product) Product {
	if p.TotalQuantity > 0 {
		p.CostPerUnit = p.TotalAmount / p.TotalQuantity
	} else {
		p.CostPerUnit = 0
	}
	p.PricePerPiece = p.CostPerUnit
	p.ProfitPerPiece = p.MRP - p.CostPerUnit
	return p
}

func (p BillPatch) IsEmpty() bool {
	return p == BillPatch{}
}

func (p ProductPatch) IsEmpty() bool {
	return p == ProductPatch{}
}

// MovesBill reports whether the patch reassigns the product to another bill.
func (p ProductPatch) MovesBill(current Product) bool {
	return p.BillID != nil && strings.TrimSpace(*p.BillID) != current.BillID
}

// SameBillContent compares business fields only.
func SameBillContent(a, b Bill) bool {
	return a.ID == b.ID &&
		a.BillNumber == b.BillNumber &&
		a.Date.Equal(b.Date) &&
		a.Vendor == b.Vendor &&
		a.Notes == b.Notes &&
		a.Status == b.Status &&
		a.TotalQuantity == b.TotalQuantity &&
		a.TotalAmount == b.TotalAmount &&
		a.TotalProfit == b.TotalProfit &&
		a.ProductCount == b.ProductCount
}

func SameProductContent(a, b Product) bool {
	return a.ID == b.ID &&
		a.BillID == b.BillID &&
		a.BillNumber == b.BillNumber &&
		a.ProductName == b.ProductName &&
		a.Category == b.Category &&
		a.Vendor == b.Vendor &&
		a.MRP == b.MRP &&
		a.TotalQuantity == b.TotalQuantity &&
		a.TotalAmount == b.TotalAmount
}

func (b Bill) SameContent(other Bill) bool       { return SameBillContent(b, other) }
func (p Product) SameContent(other Product) bool { return SameProductContent(p, other) }
