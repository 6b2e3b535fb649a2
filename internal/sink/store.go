// Package sink is the receiving end of the telemetry protocol: it accepts
// newline-delimited vitals messages over TCP, keeps the latest values and
// serves them over HTTP.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	StatusWaiting = "waiting"
	StatusActive  = "active"
)

// ErrInvalidVitals is wrapped by Store.Apply for messages that parse but
// fail validation.
var ErrInvalidVitals = errors.New("sink: invalid vitals")

// Vitals is the latest merged state, shaped like the sink's HTTP output.
type Vitals struct {
	PulseRate           int     `json:"pulse_rate"`
	PulseConfidence     float64 `json:"pulse_confidence"`
	BreathingRate       int     `json:"breathing_rate"`
	BreathingConfidence float64 `json:"breathing_confidence"`
	Talking             bool    `json:"talking"`
	Timestamp           *int64  `json:"timestamp"`
	Status              string  `json:"status"`
}

// message accepts both wire shapes: the detailed keys and the summary's
// "pulse"/"breathing".
type message struct {
	PulseRate           *float64 `json:"pulse_rate"`
	PulseConfidence     *float64 `json:"pulse_confidence"`
	BreathingRate       *float64 `json:"breathing_rate"`
	BreathingConfidence *float64 `json:"breathing_confidence"`
	Talking             *bool    `json:"talking"`
	Timestamp           *int64   `json:"timestamp"`

	Pulse     *float64 `json:"pulse"`
	Breathing *float64 `json:"breathing"`
}

// Store holds the latest vitals. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	latest   Vitals
	updates  uint64
	rejected uint64
	lastSeen time.Time
}

// NewStore returns a store in the waiting state.
func NewStore() *Store {
	return &Store{latest: Vitals{Status: StatusWaiting}}
}

// Apply parses one message line and merges it into the latest vitals.
// Fields absent from the message keep their previous values.
func (s *Store) Apply(line []byte) error {
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		s.reject()
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if m.PulseRate == nil {
		m.PulseRate = m.Pulse
	}
	if m.BreathingRate == nil {
		m.BreathingRate = m.Breathing
	}
	if err := validate(&m); err != nil {
		s.reject()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest.PulseRate = int(*m.PulseRate)
	s.latest.BreathingRate = int(*m.BreathingRate)
	if m.PulseConfidence != nil {
		s.latest.PulseConfidence = *m.PulseConfidence
	}
	if m.BreathingConfidence != nil {
		s.latest.BreathingConfidence = *m.BreathingConfidence
	}
	if m.Talking != nil {
		s.latest.Talking = *m.Talking
	}
	if m.Timestamp != nil {
		ts := *m.Timestamp
		s.latest.Timestamp = &ts
	}
	s.latest.Status = StatusActive
	s.updates++
	s.lastSeen = time.Now()
	return nil
}

func validate(m *message) error {
	if m.PulseRate == nil {
		return fmt.Errorf("%w: missing pulse_rate", ErrInvalidVitals)
	}
	if m.BreathingRate == nil {
		return fmt.Errorf("%w: missing breathing_rate", ErrInvalidVitals)
	}
	if p := *m.PulseRate; p < 0 || p > 300 {
		return fmt.Errorf("%w: pulse out of range: %v", ErrInvalidVitals, p)
	}
	if b := *m.BreathingRate; b < 0 || b > 100 {
		return fmt.Errorf("%w: breathing out of range: %v", ErrInvalidVitals, b)
	}
	if c := m.PulseConfidence; c != nil && (*c < -3 || *c > 3) {
		return fmt.Errorf("%w: pulse confidence out of range: %v", ErrInvalidVitals, *c)
	}
	if c := m.BreathingConfidence; c != nil && (*c < -3 || *c > 3) {
		return fmt.Errorf("%w: breathing confidence out of range: %v", ErrInvalidVitals, *c)
	}
	return nil
}

func (s *Store) reject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

// Latest returns a copy of the current vitals.
func (s *Store) Latest() Vitals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.latest
	if v.Timestamp != nil {
		ts := *v.Timestamp
		v.Timestamp = &ts
	}
	return v
}

// Status returns "waiting" until the first valid message, then "active".
func (s *Store) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest.Status
}

// Counts returns the number of accepted and rejected messages.
func (s *Store) Counts() (updates, rejected uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates, s.rejected
}

// LastSeen returns the time of the last accepted message.
func (s *Store) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}
