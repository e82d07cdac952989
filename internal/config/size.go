package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a byte count with an optional k, m, g or t suffix.
// Suffixes are binary multiples: k=2^10, m=2^20, g=2^30, t=2^40.
// An empty string yields 0.
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	// "10g", "10gb" and "10gib" all mean 10 GiB
	s = strings.TrimSuffix(strings.TrimSuffix(s, "b"), "i")
	if n := len(s); n > 0 && strings.ContainsRune("kmgt", rune(s[n-1])) {
		s = s + "ib"
	}

	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSize, s, err)
	}
	if v > uint64(1<<63-1) {
		return 0, fmt.Errorf("%w: %q: too large", ErrInvalidSize, s)
	}
	return int64(v), nil
}
