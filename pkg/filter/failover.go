package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/seamux/seamux/pkg/names"
	"github.com/seamux/seamux/pkg/nmea"
)

// FailSrc is one source in a failover rule's priority list.
type FailSrc struct {
	Name     string
	ID       uint32
	FailTime time.Duration
	lastSeen time.Time
}

// FailRule binds a tag mask to an ordered source list. The list is
// kept sorted by failover delay so the highest-priority (shortest
// delay) source comes first.
type FailRule struct {
	Match   [5]byte
	Sources []*FailSrc
}

// Active reports whether a sentence arrived from the failover source
// that currently has priority: the source's last-seen time is
// updated, and the sentence passes iff no higher-priority source has
// been heard within this source's failover delay. Sentences whose tag
// matches no rule always pass; sentences from sources not listed in
// the matching rule are dropped.
func (f *Filter) Active(s *nmea.Senblk) bool {
	if f == nil || s == nil || len(f.Fail) == 0 {
		return true
	}

	var rule *FailRule
	for _, fr := range f.Fail {
		ok := true
		for i := 0; i < 5; i++ {
			if fr.Match[i] != 0 && (1+i >= s.Len || fr.Match[i] != s.Data[1+i]) {
				ok = false
				break
			}
		}
		if ok {
			rule = fr
			break
		}
	}
	if rule == nil {
		return true
	}

	src := names.Major(s.Src)
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	var last time.Time
	for _, cand := range rule.Sources {
		if names.Major(cand.ID) == src {
			cand.lastSeen = now
			return last.Add(cand.FailTime).Before(now)
		}
		if cand.lastSeen.After(last) {
			last = cand.lastSeen
		}
	}
	return false
}

// AddFailover parses a failover specification
// "<tag>:<delay1>:<src1>[:<delay2>:<src2>...]" and appends it to f,
// keeping the source list ordered by delay. f must be (or become) a
// TypeFailover filter.
func (f *Filter) AddFailover(spec string) error {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 || len(parts)%2 == 0 {
		return fmt.Errorf("malformed failover specification %q", spec)
	}

	rule := &FailRule{}
	tag := parts[0]
	if len(tag) > 5 {
		return fmt.Errorf("failover tag %q longer than five characters", tag)
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] != '*' {
			rule.Match[i] = tag[i]
		}
	}

	for i := 1; i < len(parts); i += 2 {
		secs, err := strconv.Atoi(parts[i])
		if err != nil || secs < 0 {
			return fmt.Errorf("invalid failover delay %q", parts[i])
		}
		name := strings.ToLower(parts[i+1])
		if name == "" {
			return fmt.Errorf("empty source name in failover specification %q", spec)
		}
		src := &FailSrc{Name: name, FailTime: time.Duration(secs) * time.Second}
		// Insert ordered by failover delay.
		pos := len(rule.Sources)
		for j, other := range rule.Sources {
			if other.FailTime > src.FailTime {
				pos = j
				break
			}
		}
		rule.Sources = append(rule.Sources, nil)
		copy(rule.Sources[pos+1:], rule.Sources[pos:])
		rule.Sources[pos] = src
	}

	f.Kind = TypeFailover
	f.Fail = append(f.Fail, rule)
	return nil
}
