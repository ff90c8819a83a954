package urls

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gwdatafind/datafind-server/pkg/errors"
)

// Rule is one preference entry: URLs matching Pattern compete, and the
// Prefer patterns are tried in order to pick a single winner.
type Rule struct {
	Pattern string
	Prefer  []string
}

// Filter restricts candidate URLs by scheme and by a free-form regular
// expression. Empty fields do not filter.
type Filter struct {
	Scheme string
	Match  string
}

type rule struct {
	pattern *regexp.Regexp
	prefer  []*regexp.Regexp
}

// Ranker applies the preference rules to candidate URL sets. It is
// immutable and safe for concurrent use.
type Ranker struct {
	rules []rule
}

// NewRanker compiles rules in declaration order.
func NewRanker(rules []Rule) (*Ranker, error) {
	r := &Ranker{}
	for i, in := range rules {
		top, err := regexp.Compile(in.Pattern)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, fmt.Sprintf("preference %d pattern %q", i, in.Pattern)).
				WithComponent("urls")
		}
		cr := rule{pattern: top}
		for _, p := range in.Prefer {
			sub, err := regexp.Compile(p)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, fmt.Sprintf("preference %d sub-pattern %q", i, p)).
					WithComponent("urls")
			}
			cr.prefer = append(cr.prefer, sub)
		}
		r.rules = append(r.rules, cr)
	}
	return r, nil
}

// Select applies the hard filter and then the preference ranking.
func (r *Ranker) Select(urls []string, f Filter) ([]string, error) {
	kept, err := f.Apply(urls)
	if err != nil {
		return nil, err
	}
	return r.Rank(kept), nil
}

// Apply drops URLs whose scheme differs from f.Scheme or that do not match
// f.Match. An invalid Match expression is a request error.
func (f Filter) Apply(urls []string) ([]string, error) {
	var match *regexp.Regexp
	if f.Match != "" {
		re, err := regexp.Compile(f.Match)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidRequest, err, fmt.Sprintf("invalid match pattern %q", f.Match)).
				WithComponent("urls")
		}
		match = re
	}

	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if f.Scheme != "" && !strings.EqualFold(schemeOf(u), f.Scheme) {
			continue
		}
		if match != nil && !match.MatchString(u) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func schemeOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// Rank groups urls by the first rule whose pattern they match. A group of
// one is kept. In a larger group the first Prefer pattern matching any
// member wins and only the first member it matches is kept; when no Prefer
// pattern matches the whole group is kept. Groups are emitted in rule
// order, followed by the URLs no rule matched in their original order.
func (r *Ranker) Rank(urls []string) []string {
	if len(r.rules) == 0 || len(urls) == 0 {
		return urls
	}

	groups := make([][]string, len(r.rules))
	var rest []string
	for _, u := range urls {
		placed := false
		for i, rl := range r.rules {
			if rl.pattern.MatchString(u) {
				groups[i] = append(groups[i], u)
				placed = true
				break
			}
		}
		if !placed {
			rest = append(rest, u)
		}
	}

	out := make([]string, 0, len(urls))
	for i, group := range groups {
		out = append(out, r.rules[i].pick(group)...)
	}
	return append(out, rest...)
}

func (rl rule) pick(group []string) []string {
	if len(group) <= 1 {
		return group
	}
	for _, pref := range rl.prefer {
		for _, u := range group {
			if pref.MatchString(u) {
				return []string{u}
			}
		}
	}
	return group
}
