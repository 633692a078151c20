package cache

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// Stats is the cache section of the status endpoint.
type Stats struct {
	Paths          int    `json:"paths"`
	RAMBytes       int64  `json:"ramBytes"`
	DiskBytes      int64  `json:"diskBytes"`
	TotalResponses uint64 `json:"totalResponses"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
}

func (s *statsCollector) fill(out *Stats) {
	count := s.totalResponses.Load()
	if count == 0 {
		return
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / count
}
