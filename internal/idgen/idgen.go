// Package idgen generates identifiers for settlement records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the record kinds owned by the settlement core.
const (
	PurchasePrefix = "pur_"
	RefundPrefix   = "rfd_"
	SwapPrefix     = "swp_"
	ItemPrefix     = "itm_"
	EntryPrefix    = "cre_"
	NotifyPrefix   = "ntf_"
	GrantPrefix    = "grt_"
)

// New returns a time-ordered UUIDv7 string. Falls back to a random v4 if the
// clock source fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix followed by 32 hex chars of a UUIDv7, so ids of
// one kind sort by creation time.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(New(), "-", "")
}

// HasPrefix reports whether id was minted with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
