// Package segments provides half-open time interval algebra over sorted,
// disjoint segment lists.
package segments

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/gwdatafind/datafind-server/pkg/errors"
)

// ErrNoCoverage is returned by Latest when the list holds no segments.
var ErrNoCoverage = errors.ErrNoCoverage

// Segment is the half-open interval [Start, Stop).
type Segment struct {
	Start int64
	Stop  int64
}

// Everything spans the whole representable time line.
var Everything = Segment{Start: math.MinInt64, Stop: math.MaxInt64}

// New returns the segment [start, stop). It panics if stop < start.
func New(start, stop int64) Segment {
	if stop < start {
		panic(fmt.Sprintf("segments: invalid segment [%d, %d)", start, stop))
	}
	return Segment{Start: start, Stop: stop}
}

// Duration returns the length of the segment.
func (s Segment) Duration() int64 {
	return s.Stop - s.Start
}

// IsEmpty reports whether the segment covers no time.
func (s Segment) IsEmpty() bool {
	return s.Stop <= s.Start
}

// Intersects reports whether s and o share a non-empty overlap.
func (s Segment) Intersects(o Segment) bool {
	return s.Start < o.Stop && o.Start < s.Stop
}

// Contains reports whether o lies entirely inside s.
func (s Segment) Contains(o Segment) bool {
	return s.Start <= o.Start && o.Stop <= s.Stop
}

// String formats the segment as [start, stop).
func (s Segment) String() string {
	return fmt.Sprintf("[%d, %d)", s.Start, s.Stop)
}

// MarshalJSON encodes the segment as a two element array.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{s.Start, s.Stop})
}

// UnmarshalJSON decodes a two element array.
func (s *Segment) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[1] < pair[0] {
		return fmt.Errorf("segments: invalid segment [%d, %d)", pair[0], pair[1])
	}
	s.Start, s.Stop = pair[0], pair[1]
	return nil
}

// List is an ascending sequence of disjoint segments.
type List []Segment

// Extent returns the segment spanning the first start to the last stop.
func (l List) Extent() (Segment, bool) {
	if len(l) == 0 {
		return Segment{}, false
	}
	return Segment{Start: l[0].Start, Stop: l[len(l)-1].Stop}, true
}

// Duration returns the total time covered by the list.
func (l List) Duration() int64 {
	var total int64
	for _, s := range l {
		total += s.Duration()
	}
	return total
}

// Coalesce sorts an arbitrary collection of segments and merges overlapping
// or touching entries. Empty segments are dropped.
func Coalesce(segs []Segment) List {
	if len(segs) == 0 {
		return nil
	}
	sorted := make(List, 0, len(segs))
	for _, s := range segs {
		if !s.IsEmpty() {
			sorted = append(sorted, s)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Stop < sorted[j].Stop
	})
	out := sorted[:0]
	for _, s := range sorted {
		if n := len(out); n > 0 && s.Start <= out[n-1].Stop {
			if s.Stop > out[n-1].Stop {
				out[n-1].Stop = s.Stop
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// Union merges two sorted disjoint lists. Overlapping or touching segments
// are joined into one segment spanning their combined extent. Neither input
// is modified.
func Union(a, b List) List {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(List, 0, len(a)+len(b))
	push := func(s Segment) {
		if s.IsEmpty() {
			return
		}
		if n := len(out); n > 0 && s.Start <= out[n-1].Stop {
			if s.Stop > out[n-1].Stop {
				out[n-1].Stop = s.Stop
			}
			return
		}
		out = append(out, s)
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Start <= b[j].Start {
			push(a[i])
			i++
		} else {
			push(b[j])
			j++
		}
	}
	for ; i < len(a); i++ {
		push(a[i])
	}
	for ; j < len(b); j++ {
		push(b[j])
	}
	return out
}

// Intersect clips every segment of list to window, dropping segments that do
// not overlap it. Order is preserved.
func Intersect(list List, window Segment) List {
	if len(list) == 0 || window.IsEmpty() {
		return nil
	}
	// first segment ending after the window opens
	i := sort.Search(len(list), func(k int) bool {
		return list[k].Stop > window.Start
	})
	var out List
	for ; i < len(list) && list[i].Start < window.Stop; i++ {
		s := list[i]
		if s.Start < window.Start {
			s.Start = window.Start
		}
		if s.Stop > window.Stop {
			s.Stop = window.Stop
		}
		if !s.IsEmpty() {
			out = append(out, s)
		}
	}
	return out
}

// Latest returns the final duration-wide window [stop-duration, stop) of the
// last segment in list. The window never starts before that segment does.
func Latest(list List, duration int64) (Segment, error) {
	if len(list) == 0 {
		return Segment{}, ErrNoCoverage
	}
	last := list[len(list)-1]
	start := last.Stop - duration
	if duration <= 0 || start < last.Start {
		start = last.Start
	}
	return Segment{Start: start, Stop: last.Stop}, nil
}
