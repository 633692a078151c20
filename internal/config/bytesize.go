package config

import (
	"fmt"
	"strconv"
	"strings"
)

var byteUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// ParseBytes parses sizes such as "512", "64k", "64kb", "1.5g".
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}

	mult := int64(1)
	if m, ok := byteUnits[s[len(s)-1]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

// FormatBytes renders b the way the stats log line prints sizes.
func FormatBytes(b uint64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	default:
		return trimFloat(float64(b)/gb) + "gb"
	}
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
