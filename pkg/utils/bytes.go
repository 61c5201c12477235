package utils

import (
	"fmt"
	"strconv"
	"strings"
)

const byteUnit = 1024

// FormatBytes renders a byte count with binary-prefix units, e.g. 4096 ->
// "4.0 KB".
func FormatBytes(n int64) string {
	if n < byteUnit {
		return fmt.Sprintf("%d B", n)
	}
	value := float64(n)
	suffixes := "KMGTPE"
	i := 0
	for value >= byteUnit*byteUnit && i < len(suffixes)-1 {
		value /= byteUnit
		i++
	}
	return fmt.Sprintf("%.1f %cB", value/byteUnit, suffixes[i])
}

// ParseBytes reads a human-readable size like "4096", "64K", "1.5MB" into
// a byte count. Units are binary (K = 1024).
func ParseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "B")

	multiplier := int64(1)
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = byteUnit
		case 'M':
			multiplier = byteUnit * byteUnit
		case 'G':
			multiplier = byteUnit * byteUnit * byteUnit
		case 'T':
			multiplier = byteUnit * byteUnit * byteUnit * byteUnit
		}
		if multiplier > 1 {
			s = s[:len(s)-1]
		}
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
