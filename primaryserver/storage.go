package primaryserver

import "github.com/jacokyle01/xiangqi-analyzer/models"

// subscriberBuffer is how many analyses a slow stream client may fall
// behind before it starts missing them.
const subscriberBuffer = 4

// SubmitResult stores a completed analysis and fans it out to stream
// subscribers. It never blocks on a slow subscriber.
func (s *Server) SubmitResult(a models.Analysis) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = &a
	s.results++

	for ch := range s.subscribers {
		select {
		case ch <- a:
		default:
			s.log.Warn("stream subscriber too slow, dropping analysis", "snapshot", a.SnapshotID)
		}
	}

	s.log.Info("received result",
		"snapshot", a.SnapshotID, "best_move", a.BestMove, "score", a.Score.String())
}

// GetResult returns the latest analysis.
func (s *Server) GetResult() (models.Analysis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return models.Analysis{}, false
	}
	return *s.latest, true
}

func (s *Server) subscribe() (<-chan models.Analysis, func()) {
	ch := make(chan models.Analysis, subscriberBuffer)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
}
