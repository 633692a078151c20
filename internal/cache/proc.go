package cache

import (
	"bytes"
	"os"
	"strconv"
)

// ProcessRSSBytes returns the process resident set size in bytes. It reads
// /proc and reports ok=false where that is unavailable.
func ProcessRSSBytes() (rssBytes uint64, ok bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	rssPages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return rssPages * uint64(os.Getpagesize()), true
}
