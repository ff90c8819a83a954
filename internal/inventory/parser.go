package inventory

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gwdatafind/datafind-server/pkg/errors"
	"github.com/gwdatafind/datafind-server/pkg/segments"
)

// DefaultLegacyExtension is assigned to five-field header lines, which
// predate the extension column.
const DefaultLegacyExtension = "gwf"

// maxLineErrors bounds the per-line errors retained in Stats.
const maxLineErrors = 100

// Reasons a line can be rejected.
const (
	ReasonFieldCount  = "wrong number of fields"
	ReasonHeader      = "wrong number of header fields"
	ReasonInteger     = "non-integer field"
	ReasonTimes       = "malformed time list"
	ReasonOddTimes    = "odd number of times"
	ReasonInverted    = "segment stop before start"
	ReasonDuration    = "duration must be positive"
	ReasonEmptyFields = "empty header field"
)

// LineError describes a single unparseable inventory or access-list line.
type LineError struct {
	Line   int
	Reason string
	Detail string
}

func (e *LineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Reason, e.Detail)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Unwrap lets callers match errors.ErrMalformedLine.
func (e *LineError) Unwrap() error { return errors.ErrMalformedLine }

// Line is the parse result for one inventory line: either a LegacyLine or a
// CurrentLine, decided by the header field count.
type Line interface {
	header() *LegacyLine
}

// LegacyLine is the five-field header format that carries no extension.
type LegacyLine struct {
	Path     string
	Site     string
	Tag      string
	Flag     int
	Duration int64
	Modified int64
	Count    int64
	Segments segments.List
}

// CurrentLine is the six-field header format.
type CurrentLine struct {
	LegacyLine
	Extension string
}

func (l *LegacyLine) header() *LegacyLine { return l }

// ParseLine parses one inventory line of the form
//
//	path,site,tag,flag,duration[,ext] mtime count {t0 t1 t2 t3 ...}
func ParseLine(raw string) (Line, error) {
	line := strings.TrimSpace(raw)
	prefix, times, braced := strings.Cut(line, "{")
	fields := strings.Fields(prefix)
	if !braced {
		// without a time token the line must still have all four fields
		if fields = strings.Fields(line); len(fields) < 4 {
			return nil, &LineError{Reason: ReasonFieldCount, Detail: fmt.Sprintf("got %d", len(fields))}
		}
		return nil, &LineError{Reason: ReasonTimes, Detail: "missing braces"}
	}
	if len(fields) != 3 {
		return nil, &LineError{Reason: ReasonFieldCount, Detail: fmt.Sprintf("got %d", len(fields)+1)}
	}
	fields = append(fields, "{"+times)

	hdr := strings.Split(fields[0], ",")
	if len(hdr) != 5 && len(hdr) != 6 {
		return nil, &LineError{Reason: ReasonHeader, Detail: fmt.Sprintf("got %d", len(hdr))}
	}
	for _, f := range hdr[:3] {
		if f == "" {
			return nil, &LineError{Reason: ReasonEmptyFields}
		}
	}

	base := LegacyLine{Path: hdr[0], Site: hdr[1], Tag: hdr[2]}
	var err error
	if base.Flag, err = strconv.Atoi(hdr[3]); err != nil {
		return nil, &LineError{Reason: ReasonInteger, Detail: "flag " + strconv.Quote(hdr[3])}
	}
	if base.Duration, err = strconv.ParseInt(hdr[4], 10, 64); err != nil {
		return nil, &LineError{Reason: ReasonInteger, Detail: "duration " + strconv.Quote(hdr[4])}
	}
	if base.Duration <= 0 {
		return nil, &LineError{Reason: ReasonDuration, Detail: hdr[4]}
	}
	if base.Modified, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return nil, &LineError{Reason: ReasonInteger, Detail: "mtime " + strconv.Quote(fields[1])}
	}
	if base.Count, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
		return nil, &LineError{Reason: ReasonInteger, Detail: "count " + strconv.Quote(fields[2])}
	}
	if base.Segments, err = parseTimes(fields[3]); err != nil {
		return nil, err
	}

	if len(hdr) == 5 {
		return &base, nil
	}
	ext := strings.TrimPrefix(hdr[5], ".")
	if ext == "" {
		return nil, &LineError{Reason: ReasonEmptyFields, Detail: "extension"}
	}
	return &CurrentLine{LegacyLine: base, Extension: ext}, nil
}

// parseTimes reads "{t0 t1 t2 t3}" pairwise into a segment list.
func parseTimes(token string) (segments.List, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "{") || !strings.HasSuffix(token, "}") {
		return nil, &LineError{Reason: ReasonTimes, Detail: "missing braces"}
	}
	nums := strings.Fields(token[1 : len(token)-1])
	if len(nums)%2 != 0 {
		return nil, &LineError{Reason: ReasonOddTimes, Detail: fmt.Sprintf("got %d", len(nums))}
	}

	segs := make([]segments.Segment, 0, len(nums)/2)
	for i := 0; i < len(nums); i += 2 {
		start, err := strconv.ParseInt(nums[i], 10, 64)
		if err != nil {
			return nil, &LineError{Reason: ReasonInteger, Detail: "time " + strconv.Quote(nums[i])}
		}
		stop, err := strconv.ParseInt(nums[i+1], 10, 64)
		if err != nil {
			return nil, &LineError{Reason: ReasonInteger, Detail: "time " + strconv.Quote(nums[i+1])}
		}
		if stop < start {
			return nil, &LineError{Reason: ReasonInverted, Detail: fmt.Sprintf("[%d, %d)", start, stop)}
		}
		segs = append(segs, segments.Segment{Start: start, Stop: stop})
	}
	return segments.Coalesce(segs), nil
}

// Options configures a Parser.
type Options struct {
	// LegacyExtension is used for lines without an extension field.
	LegacyExtension string
	// Include and Exclude are ordered regular expressions matched against
	// "site-tag".
	Include []string
	Exclude []string
}

// Parser turns inventory lines into records. It holds no mutable state and
// is safe for concurrent use.
type Parser struct {
	legacyExt string
	rules     *Rules
}

// NewParser compiles the filter rules in opts.
func NewParser(opts Options) (*Parser, error) {
	rules, err := CompileRules(opts.Include, opts.Exclude)
	if err != nil {
		return nil, err
	}
	ext := strings.TrimPrefix(opts.LegacyExtension, ".")
	if ext == "" {
		ext = DefaultLegacyExtension
	}
	return &Parser{legacyExt: ext, rules: rules}, nil
}

// Record resolves a parsed line into a record, applying the legacy
// extension when the line has none.
func (p *Parser) Record(line Line) Record {
	l := line.header()
	ext := p.legacyExt
	if cur, ok := line.(*CurrentLine); ok {
		ext = cur.Extension
	}
	return Record{
		Key: Key{
			Extension: ext,
			Site:      l.Site,
			Tag:       l.Tag,
			Path:      l.Path,
			Duration:  l.Duration,
		},
		Flag:     l.Flag,
		Modified: l.Modified,
		Count:    l.Count,
		Segments: l.Segments,
	}
}

// Stats summarises one pass over an inventory or access-list file.
type Stats struct {
	Lines     int
	Records   int
	Malformed int
	Excluded  int
	Errors    []error
}

func (s *Stats) malformed(lineNo int, err error) {
	s.Malformed++
	if le, ok := err.(*LineError); ok {
		le.Line = lineNo
	}
	if len(s.Errors) < maxLineErrors {
		s.Errors = append(s.Errors, err)
	}
}

// Load parses every line of r into a new Index. Malformed lines are skipped
// and reported in Stats; the returned error is non-nil only when reading r
// fails, in which case the partial index is discarded.
func (p *Parser) Load(r io.Reader) (*Index, Stats, error) {
	var stats Stats
	b := NewBuilder()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		stats.Lines++

		line, err := ParseLine(text)
		if err != nil {
			stats.malformed(lineNo, err)
			continue
		}
		rec := p.Record(line)
		if p.rules.Excluded(rec.Site, rec.Tag) {
			stats.Excluded++
			continue
		}
		b.Add(rec)
	}
	if err := sc.Err(); err != nil {
		return nil, stats, errors.Wrap(errors.ErrCodeRefreshIO, err, "reading inventory").
			WithComponent("inventory").
			WithDetail("line", lineNo)
	}

	idx := b.Build()
	stats.Records = idx.Len()
	return idx, stats, nil
}
