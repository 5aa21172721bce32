// Package filter implements per-interface sentence filters: ordered
// accept/deny/rate-limit rule chains and failover source lists. A
// single filter value may be shared by several interfaces (TCP server
// sub-connections inherit their parent's filters).
package filter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seamux/seamux/pkg/names"
	"github.com/seamux/seamux/pkg/nmea"
)

// Action is what a matching FILTER rule does with a sentence.
type Action int

const (
	// Deny drops the sentence.
	Deny Action = iota
	// Accept passes the sentence.
	Accept
	// Limit passes at most one sentence per configured interval.
	Limit
)

// Type distinguishes plain filters from failover filters.
type Type int

const (
	// TypeFilter is an ordered accept/deny/limit rule chain.
	TypeFilter Type = iota
	// TypeFailover admits sentences from the highest-priority live
	// source only.
	TypeFailover
)

// Rule matches on a five-character sentence tag (zero bytes are
// wildcards) and optionally on the originating interface.
type Rule struct {
	Action  Action
	Match   [5]byte
	SrcName string
	Src     uint32
	limiter *rate.Limiter
}

// Filter is a chain of rules of a single type. The mutex guards the
// failover last-seen timestamps, the only state mutated after
// initialization.
type Filter struct {
	Kind  Type
	Rules []*Rule
	Fail  []*FailRule

	mu sync.Mutex
}

// matchTag compares the five characters after the delimiter against
// the rule mask, stopping at CR. All five positions must match (or be
// wildcards) for the rule to apply.
func matchTag(match *[5]byte, s *nmea.Senblk) bool {
	i := 0
	for ; i < 5 && 1+i < s.Len && s.Data[1+i] != '\r'; i++ {
		if match[i] != 0 && match[i] != s.Data[1+i] {
			return false
		}
	}
	return i == 5
}

// Accept walks the rule chain in order; the first rule whose source
// and tag mask match decides. Sentences with no matching rule pass.
// Empty sentences (leading CR) are always dropped.
func (f *Filter) Accept(s *nmea.Senblk) bool {
	if f == nil || s == nil || len(f.Rules) == 0 {
		return true
	}
	if s.Data[0] == '\r' {
		return false
	}
	for _, r := range f.Rules {
		if r.Src != 0 && r.Src != names.Major(s.Src) {
			continue
		}
		if !matchTag(&r.Match, s) {
			continue
		}
		switch r.Action {
		case Accept:
			return true
		case Deny:
			return false
		case Limit:
			return r.limiter.Allow()
		}
	}
	return true
}

// Resolve translates rule source names into interface ids. Must run
// after the registry is populated and before any traffic flows.
func (f *Filter) Resolve(reg *names.Registry) error {
	if f == nil {
		return nil
	}
	for _, r := range f.Rules {
		if r.SrcName == "" {
			continue
		}
		id := reg.Lookup(r.SrcName)
		if id == 0 {
			return fmt.Errorf("filter references unknown interface %q", r.SrcName)
		}
		r.Src = id
	}
	for _, fr := range f.Fail {
		for _, src := range fr.Sources {
			id := reg.Lookup(src.Name)
			if id == 0 {
				return fmt.Errorf("failover references unknown interface %q", src.Name)
			}
			src.ID = id
		}
	}
	return nil
}

// Parse builds a FILTER from a rule string of the form
// "<sign><tag>[%<source>][~<seconds>]:...". sign is '+' (accept) or
// '-' (deny); '~' turns an accept into a rate limit. A tag of "all"
// or fewer than five characters is padded with wildcards.
func Parse(spec string) (*Filter, error) {
	f := &Filter{Kind: TypeFilter}
	for _, part := range strings.Split(spec, ":") {
		if part == "" {
			return nil, fmt.Errorf("empty filter rule in %q", spec)
		}
		r := &Rule{}
		switch part[0] {
		case '+':
			r.Action = Accept
		case '-':
			r.Action = Deny
		default:
			return nil, fmt.Errorf("filter rule %q must start with + or -", part)
		}
		part = part[1:]

		if i := strings.IndexByte(part, '~'); i >= 0 {
			if r.Action != Accept {
				return nil, fmt.Errorf("rate limit only valid on + rules")
			}
			secs, err := strconv.Atoi(part[i+1:])
			if err != nil || secs <= 0 {
				return nil, fmt.Errorf("invalid rate limit in filter rule %q", part)
			}
			r.Action = Limit
			r.limiter = rate.NewLimiter(rate.Every(time.Duration(secs)*time.Second), 1)
			part = part[:i]
		}
		if i := strings.IndexByte(part, '%'); i >= 0 {
			r.SrcName = strings.ToLower(part[i+1:])
			if r.SrcName == "" {
				return nil, fmt.Errorf("empty source in filter rule")
			}
			part = part[:i]
		}

		if !strings.EqualFold(part, "all") {
			if len(part) > 5 {
				return nil, fmt.Errorf("filter tag %q longer than five characters", part)
			}
			for i := 0; i < len(part); i++ {
				if part[i] != '*' {
					r.Match[i] = part[i]
				}
			}
		}
		f.Rules = append(f.Rules, r)
	}
	return f, nil
}
