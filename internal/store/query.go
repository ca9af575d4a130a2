package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/khanglvm/weapon-watch/internal/detection"
)

// WeaponsFilter narrows records by whether weapons were counted.
type WeaponsFilter string

const (
	AllRecords     WeaponsFilter = "all"
	WithWeapons    WeaponsFilter = "weapons"
	WithoutWeapons WeaponsFilter = "no-weapons"
)

// SortOrder orders query results.
type SortOrder string

const (
	SortNewest     SortOrder = "newest"
	SortOldest     SortOrder = "oldest"
	SortConfidence SortOrder = "confidence"
	SortWeapons    SortOrder = "weapons"
)

// Filter selects and orders records for a history view.
type Filter struct {
	// Search matches id or any class name, case-insensitively.
	Search string

	// Source keeps one source type; empty keeps all.
	Source detection.SourceType

	// Weapons keeps records with, without, or regardless of weapons.
	Weapons WeaponsFilter

	// Sort orders the result; empty keeps cache order.
	Sort SortOrder
}

// ParseWeaponsFilter validates a weapons filter value.
func ParseWeaponsFilter(s string) (WeaponsFilter, error) {
	switch WeaponsFilter(s) {
	case "", AllRecords:
		return AllRecords, nil
	case WithWeapons, WithoutWeapons:
		return WeaponsFilter(s), nil
	}
	return "", fmt.Errorf("invalid weapons filter %q (want all, weapons or no-weapons)", s)
}

// ParseSortOrder validates a sort order value.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(s) {
	case "":
		return "", nil
	case SortNewest, SortOldest, SortConfidence, SortWeapons:
		return SortOrder(s), nil
	}
	return "", fmt.Errorf("invalid sort order %q (want newest, oldest, confidence or weapons)", s)
}

// Match reports whether d passes the filter.
func (f Filter) Match(d detection.Detection) bool {
	if f.Search != "" {
		term := strings.ToLower(f.Search)
		found := strings.Contains(strings.ToLower(d.ID), term)
		for _, name := range d.ClassNames {
			if found {
				break
			}
			found = strings.Contains(strings.ToLower(name), term)
		}
		if !found {
			return false
		}
	}

	if f.Source != "" && d.SourceType != f.Source {
		return false
	}

	switch f.Weapons {
	case WithWeapons:
		return d.WeaponCount > 0
	case WithoutWeapons:
		return d.WeaponCount == 0
	}
	return true
}

// Apply filters and sorts a copy of in.
func (f Filter) Apply(in []detection.Detection) []detection.Detection {
	out := []detection.Detection{}
	for _, d := range in {
		if f.Match(d) {
			out = append(out, d.Clone())
		}
	}

	var less func(a, b detection.Detection) bool
	switch f.Sort {
	case SortNewest:
		less = func(a, b detection.Detection) bool { return a.Time().After(b.Time()) }
	case SortOldest:
		less = func(a, b detection.Detection) bool { return a.Time().Before(b.Time()) }
	case SortConfidence:
		less = func(a, b detection.Detection) bool { return a.MaxConfidence() > b.MaxConfidence() }
	case SortWeapons:
		less = func(a, b detection.Detection) bool { return a.WeaponCount > b.WeaponCount }
	}
	if less != nil {
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}

// Query returns the cached records matching f. The cache is not modified.
func (s *Store) Query(f Filter) []detection.Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return f.Apply(s.detections)
}

// Find returns the first cached record with the given id.
func (s *Store) Find(id string) (detection.Detection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.detections {
		if d.ID == id {
			return d.Clone(), true
		}
	}
	return detection.Detection{}, false
}

// HasRecentAlerts reports whether any recent record with weapons is newer than now-window.
func (s *Store) HasRecentAlerts(window time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-window)
	for _, d := range s.recent {
		if d.HasWeapons() && d.Time().After(cutoff) {
			return true
		}
	}
	return false
}
