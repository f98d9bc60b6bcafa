package bridge

import (
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/events"
)

// Session is the mutable record of one active call. The telephony loop
// writes streamID and latestMediaTS; the model loop (and the barge-in path
// running inside it) writes the playback fields. One mutex guards them all
// so the loops never race (the barge-in math reads latestMediaTS across
// loops).
type Session struct {
	mu sync.Mutex

	streamID          string
	latestMediaTS     int64
	responseStartTS   int64
	responseStarted   bool
	lastAssistantItem string
	markQueue         []string

	callStart  time.Time
	terminated bool
}

func NewSession(callStart time.Time) *Session {
	return &Session{callStart: callStart}
}

// StartStream records a new telephony stream and resets turn-taking state:
// a fresh stream means no utterance is in flight and timestamps restart at
// zero.
func (s *Session) StartStream(streamID string) {
	s.mu.Lock()
	s.streamID = streamID
	s.latestMediaTS = 0
	s.responseStarted = false
	s.responseStartTS = 0
	s.lastAssistantItem = ""
	s.mu.Unlock()
}

func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// SetMediaTimestamp records the offset of the most recent caller audio frame.
func (s *Session) SetMediaTimestamp(ms int64) {
	s.mu.Lock()
	s.latestMediaTS = ms
	s.mu.Unlock()
}

func (s *Session) LatestMediaTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestMediaTS
}

// BeginAssistantAudio bookkeeps one outbound assistant audio chunk: the
// first chunk of an utterance pins the response start to the caller-side
// clock for later truncation math, and any chunk carrying an item id makes
// that item the one currently being spoken.
func (s *Session) BeginAssistantAudio(itemID string) {
	s.mu.Lock()
	if !s.responseStarted {
		s.responseStarted = true
		s.responseStartTS = s.latestMediaTS
	}
	if itemID != "" {
		s.lastAssistantItem = itemID
	}
	s.mu.Unlock()
}

// HasAssistantItem reports whether an assistant utterance may be in flight.
func (s *Session) HasAssistantItem() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAssistantItem != ""
}

// PushMark appends a pending playback acknowledgement token.
func (s *Session) PushMark() {
	s.mu.Lock()
	s.markQueue = append(s.markQueue, events.MarkName)
	s.mu.Unlock()
}

// PopMark consumes one pending acknowledgement. Late or duplicate acks are
// tolerated: popping an empty queue is a no-op.
func (s *Session) PopMark() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.markQueue) == 0 {
		return false
	}
	s.markQueue = s.markQueue[1:]
	return true
}

func (s *Session) PendingMarks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markQueue)
}

// Interrupt runs the barge-in cut in one critical section: it decides
// whether anything is in flight, computes the elapsed playback offset heard
// by the caller (clamped to zero), and resets the playback state. The
// caller sends the truncate/clear commands with the returned snapshot.
func (s *Session) Interrupt() (itemID string, elapsedMS int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.markQueue) == 0 || !s.responseStarted {
		return "", 0, false
	}
	elapsedMS = s.latestMediaTS - s.responseStartTS
	if elapsedMS < 0 {
		elapsedMS = 0
	}
	itemID = s.lastAssistantItem
	s.markQueue = nil
	s.lastAssistantItem = ""
	s.responseStarted = false
	s.responseStartTS = 0
	return itemID, elapsedMS, true
}

func (s *Session) CallStart() time.Time {
	return s.callStart
}

// Terminate is set once by the watchdog or a disconnect path; both loops
// stop forwarding afterwards.
func (s *Session) Terminate() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
