package application

import "go.uber.org/atomic"

// Stats counts connections and relayed plaintext for one service. Both
// scheduling models update it, the task model from many goroutines.
type Stats struct {
	Accepted   atomic.Uint64
	Active     atomic.Int64
	Upstream   atomic.Uint64 // plaintext bytes relayed local -> remote
	Downstream atomic.Uint64 // plaintext bytes relayed remote -> local
}

func (s *Stats) opened() {
	s.Accepted.Inc()
	s.Active.Inc()
}

func (s *Stats) closed() {
	s.Active.Dec()
}

func (s *Stats) relayed(from side, n int) {
	if from == sideLocal {
		s.Upstream.Add(uint64(n))
		return
	}
	s.Downstream.Add(uint64(n))
}

// logArgs lists the counters as slog key/value pairs.
func (s *Stats) logArgs() []any {
	return []any{
		"accepted", s.Accepted.Load(),
		"active", s.Active.Load(),
		"upstream_bytes", s.Upstream.Load(),
		"downstream_bytes", s.Downstream.Load(),
	}
}
