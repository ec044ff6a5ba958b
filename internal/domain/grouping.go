package domain

import (
	"sort"
	"strings"
)

type ProductGroup struct {
	BillNumber string    `json:"bill_number"`
	Products   []Product `json:"products"`
}

type ProductGrouping struct {
	Groups        []ProductGroup `json:"groups"`
	Orphans       []Product      `json:"orphans"`
	TotalProducts int            `json:"total_products"`
}

func IsOrphan(p Product) bool {
	return strings.TrimSpace(p.BillNumber) == ""
}

// GroupProductsByBill buckets products by their trimmed bill number. Products
// without one are returned as orphans and never join a group. Groups are
// ordered by bill number.
func GroupProductsByBill(products []Product) ProductGrouping {
	out := ProductGrouping{TotalProducts: len(products)}
	index := make(map[string]int)
	for _, p := range products {
		if IsOrphan(p) {
			out.Orphans = append(out.Orphans, p)
			continue
		}
		key := strings.TrimSpace(p.BillNumber)
		i, ok := index[key]
		if !ok {
			i = len(out.Groups)
			index[key] = i
			out.Groups = append(out.Groups, ProductGroup{BillNumber: key})
		}
		out.Groups[i].Products = append(out.Groups[i].Products, p)
	}
	sort.SliceStable(out.Groups, func(a, b int) bool {
		return out.Groups[a].BillNumber < out.Groups[b].BillNumber
	})
	return out
}

func (g ProductGrouping) GroupedCount() int {
	n := 0
	for _, grp := range g.Groups {
		n += len(grp.Products)
	}
	return n
}
