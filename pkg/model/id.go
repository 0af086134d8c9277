package model

import (
	"strconv"
	"strings"

	"github.com/NicolasHaas/officehours/pkg/errorz"
)

// ParseID parses a resource identifier taken from a path or frame. A missing
// identifier and a malformed one are both request-shape errors; neither may
// reach a store lookup.
func ParseID(kind, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errorz.InvalidRequest("%s id is required", kind)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errorz.InvalidRequest("%s id %q is not a valid identifier", kind, raw)
	}
	return id, nil
}

// FormatID renders an identifier for paths and frames.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
