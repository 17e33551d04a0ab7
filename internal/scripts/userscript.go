// internal/scripts/userscript.go
package scripts

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// InjectionTime says when a page would run the script. Injection always happens in
// <head>; the value is carried so hosts with native script APIs can honor it.
type InjectionTime int

const (
	DocumentStart InjectionTime = iota
	DocumentEnd
)

// ParseInjectionTime maps "end" (any case, surrounding space ignored) to
// DocumentEnd and everything else to DocumentStart.
func ParseInjectionTime(s string) InjectionTime {
	if strings.EqualFold(strings.TrimSpace(s), "end") {
		return DocumentEnd
	}
	return DocumentStart
}

func (t InjectionTime) String() string {
	if t == DocumentEnd {
		return "end"
	}
	return "start"
}

// UserScript is a script injected into intercepted documents.
type UserScript struct {
	source        string
	injectionTime InjectionTime
	mainFrameOnly bool
}

// New creates an immutable UserScript.
func New(source string, at InjectionTime, mainFrameOnly bool) UserScript {
	return UserScript{source: source, injectionTime: at, mainFrameOnly: mainFrameOnly}
}

func (s UserScript) Source() string               { return s.source }
func (s UserScript) InjectionTime() InjectionTime { return s.injectionTime }
func (s UserScript) MainFrameOnly() bool          { return s.mainFrameOnly }

// AppliesTo reports whether the script belongs in a document loaded in the
// main frame (mainFrame true) or in a sub-frame.
func (s UserScript) AppliesTo(mainFrame bool) bool {
	return mainFrame || !s.mainFrameOnly
}

// LoadFile reads a script file into a UserScript injected at document start in every frame.
func LoadFile(path string) (UserScript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UserScript{}, fmt.Errorf("failed to read user script %s: %w", path, err)
	}
	return New(string(data), DocumentStart, false), nil
}

// Set is an ordered, append-only list of scripts shared by every intercepted request.
type Set struct {
	mu      sync.RWMutex
	scripts []UserScript
}

// NewSet creates a Set holding the given scripts in order.
func NewSet(initial ...UserScript) *Set {
	s := &Set{}
	s.scripts = append(s.scripts, initial...)
	return s
}

// Add appends scripts after the ones already registered.
func (s *Set) Add(scripts ...UserScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, scripts...)
}

// Snapshot returns the scripts in registration order. The result is a copy.
func (s *Set) Snapshot() []UserScript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserScript, len(s.scripts))
	copy(out, s.scripts)
	return out
}

// Len returns the number of registered scripts.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scripts)
}
