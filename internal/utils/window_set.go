package utils

import (
	"sync"
	"time"
)

// WindowSet keys sliding windows by an arbitrary string. A window whose
// configured width changed since creation is rebuilt on the next Add,
// so settings updates take effect without waiting for a prune.
type WindowSet struct {
	mu      sync.Mutex
	windows map[string]*SlidingWindow
}

func NewWindowSet() *WindowSet {
	return &WindowSet{windows: make(map[string]*SlidingWindow)}
}

func (s *WindowSet) Add(key string, now time.Time, width time.Duration) int {
	s.mu.Lock()
	window := s.windows[key]
	if window == nil || window.Width() != width {
		window = NewSlidingWindow(width)
		s.windows[key] = window
	}
	s.mu.Unlock()
	return window.Add(now)
}

func (s *WindowSet) Reset(key string) {
	s.mu.Lock()
	window := s.windows[key]
	s.mu.Unlock()
	if window != nil {
		window.Reset()
	}
}

// Prune drops windows with no live hits so quiet keys do not
// accumulate state.
func (s *WindowSet) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, window := range s.windows {
		if window.Count(now) == 0 {
			delete(s.windows, key)
		}
	}
}

func (s *WindowSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
