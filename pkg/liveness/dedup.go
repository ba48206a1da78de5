package liveness

import (
	"sync"
	"time"
)

const (
	echoSuppressionWindow = 2 * time.Second
	echoPayloadSampleLen  = 100
)

// echoSuppressor drops messages this process itself just published,
// keyed by topic plus a short payload sample, within a short window.
type echoSuppressor struct {
	mu      sync.Mutex
	recent  map[string]time.Time
}

func newEchoSuppressor() *echoSuppressor {
	return &echoSuppressor{recent: make(map[string]time.Time)}
}

func echoKey(topic, payload string) string {
	if len(payload) > echoPayloadSampleLen {
		payload = payload[:echoPayloadSampleLen]
	}
	return topic + ":" + payload
}

// MarkPublished records that this process just published to topic with
// payload, so a subsequent echo of the same message is suppressed.
func (s *echoSuppressor) MarkPublished(topic, payload string) {
	key := echoKey(topic, payload)
	s.mu.Lock()
	s.recent[key] = time.Now()
	s.mu.Unlock()
}

// IsEcho reports whether a received message matches one this process
// recently published, and prunes expired entries opportunistically.
func (s *echoSuppressor) IsEcho(topic, payload string) bool {
	key := echoKey(topic, payload)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.recent {
		if now.Sub(t) > echoSuppressionWindow {
			delete(s.recent, k)
		}
	}

	publishedAt, ok := s.recent[key]
	if !ok {
		return false
	}
	return now.Sub(publishedAt) <= echoSuppressionWindow
}
