package inventory

import (
	"fmt"
	"regexp"

	"github.com/gwdatafind/datafind-server/pkg/errors"
)

// Rules holds ordered include and exclude patterns for site/tag pairs.
type Rules struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// CompileRules compiles include and exclude patterns in declaration order.
func CompileRules(include, exclude []string) (*Rules, error) {
	r := &Rules{}
	for _, p := range include {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, fmt.Sprintf("include pattern %q", p))
		}
		r.include = append(r.include, re)
	}
	for _, p := range exclude {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, fmt.Sprintf("exclude pattern %q", p))
		}
		r.exclude = append(r.exclude, re)
	}
	return r, nil
}

// Excluded reports whether the site/tag pair is filtered out: it matches an
// exclude pattern, or include patterns exist and it matches none of them.
// A nil Rules excludes nothing.
func (r *Rules) Excluded(site, tag string) bool {
	if r == nil {
		return false
	}
	name := site + "-" + tag
	for _, re := range r.exclude {
		if re.MatchString(name) {
			return true
		}
	}
	if len(r.include) == 0 {
		return false
	}
	for _, re := range r.include {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}

// Exclude applies rules to a site/tag pair.
func Exclude(site, tag string, rules *Rules) bool {
	return rules.Excluded(site, tag)
}
