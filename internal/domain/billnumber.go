package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

var billNumberPattern = regexp.MustCompile(`^B(\d+)$`)

// GenerateBillNumber returns the next bill number after the highest numeric
// B-suffix in bills. Numbers that do not match B<digits> are ignored.
func GenerateBillNumber(bills []Bill) string {
	numbers := make([]string, 0, len(bills))
	for _, b := range bills {
		numbers = append(numbers, b.BillNumber)
	}
	return NextBillNumber(numbers)
}

func NextBillNumber(numbers []string) string {
	max := 0
	for _, n := range numbers {
		m := billNumberPattern.FindStringSubmatch(n)
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if v > max {
			max = v
		}
	}
	return fmt.Sprintf("B%03d", max+1)
}
