package oracle

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"WingLedger/internal/domain"
)

// Authorizer decides whether a caller may report flight status.
type Authorizer interface {
	AuthorizeReporter(caller string) error
}

// ReporterSet is a static allow-list of reporter identities. Identities are
// compared case-insensitively so checksummed and lower-case addresses match.
type ReporterSet struct {
	mu        sync.RWMutex
	reporters map[string]struct{}
}

func NewReporterSet(reporters ...string) *ReporterSet {
	s := &ReporterSet{reporters: make(map[string]struct{}, len(reporters))}
	for _, r := range reporters {
		s.Add(r)
	}
	return s
}

func normalizeReporter(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (s *ReporterSet) AuthorizeReporter(caller string) error {
	id := normalizeReporter(caller)
	if id == "" {
		return fmt.Errorf("%w: missing reporter identity", domain.ErrUnauthorized)
	}
	s.mu.RLock()
	_, ok := s.reporters[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is not an oracle reporter", domain.ErrUnauthorized, caller)
	}
	return nil
}

// Add grants reporter rights. Empty identities are ignored.
func (s *ReporterSet) Add(reporter string) {
	id := normalizeReporter(reporter)
	if id == "" {
		return
	}
	s.mu.Lock()
	s.reporters[id] = struct{}{}
	s.mu.Unlock()
}

func (s *ReporterSet) Remove(reporter string) {
	s.mu.Lock()
	delete(s.reporters, normalizeReporter(reporter))
	s.mu.Unlock()
}

// List returns the reporters in sorted order.
func (s *ReporterSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.reporters))
	for r := range s.reporters {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
