package telemetry

import (
	"sort"
	"sync"
)

// PathStat counts signature outcomes for one request path.
type PathStat struct {
	Path   string `json:"path"`
	OK     uint64 `json:"ok"`
	Err    uint64 `json:"err"`
	LastMs int64  `json:"last_ms"`
}

// ErrorRatio returns err/(ok+err), or zero when nothing was recorded.
func (p PathStat) ErrorRatio() float64 {
	total := p.OK + p.Err
	if total == 0 {
		return 0
	}
	return float64(p.Err) / float64(total)
}

type pathStats struct {
	mu    sync.Mutex
	paths map[string]*PathStat
}

func newPathStats() *pathStats {
	return &pathStats{paths: make(map[string]*PathStat)}
}

func (s *pathStats) record(path string, ok bool, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.paths[path]
	if !found {
		st = &PathStat{Path: path}
		s.paths[path] = st
	}
	if ok {
		st.OK++
	} else {
		st.Err++
	}
	st.LastMs = nowMs
}

func (s *pathStats) get(path string) PathStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.paths[path]; ok {
		return *st
	}
	return PathStat{Path: path}
}

// list returns every stat sorted by error count descending, then path.
func (s *pathStats) list() []PathStat {
	s.mu.Lock()
	out := make([]PathStat, 0, len(s.paths))
	for _, st := range s.paths {
		out = append(out, *st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Err != out[j].Err {
			return out[i].Err > out[j].Err
		}
		return out[i].Path < out[j].Path
	})
	return out
}
