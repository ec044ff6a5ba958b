package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tempPrefix = "temp_"

// New returns a store-style document id. The prefix is kept so ids stay
// recognisable in logs ("bill-…", "prd-…").
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	if prefix == "" {
		return id.String()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// Temp returns a client-side placeholder id used until the store assigns
// the real one.
func Temp(at time.Time) string {
	return fmt.Sprintf("%s%d", tempPrefix, at.UnixNano())
}

func IsTemp(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}
