package query

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/gwdatafind/datafind-server/pkg/errors"
	"github.com/gwdatafind/datafind-server/pkg/segments"
)

// Name is the parsed form of a data file name.
type Name struct {
	Site      string
	Tag       string
	Start     int64
	Duration  int64
	Extension string
}

// String formats the name as site-tag-start-duration.extension.
func (n Name) String() string {
	return Filename(n.Site, n.Tag, n.Start, n.Duration, n.Extension)
}

// Segment returns the span the file covers.
func (n Name) Segment() segments.Segment {
	return segments.Segment{Start: n.Start, Stop: n.Start + n.Duration}
}

// Filename builds the canonical file name for one file of a series,
// e.g. Filename("H", "T", 1000, 4, "gwf") == "H-T-1000-4.gwf".
func Filename(site, tag string, start, duration int64, ext string) string {
	var b strings.Builder
	b.Grow(len(site) + len(tag) + len(ext) + 24)
	b.WriteString(site)
	b.WriteByte('-')
	b.WriteString(tag)
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(start, 10))
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(duration, 10))
	b.WriteByte('.')
	b.WriteString(ext)
	return b.String()
}

// ParseFilename inverts Filename. Any directory part is ignored. Tags may
// contain '-', so the site is the first dash field and start and duration
// are the last two.
func ParseFilename(name string) (Name, error) {
	base := path.Base(name)
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return Name{}, invalidName(name, "missing extension")
	}
	stem, ext := base[:dot], base[dot+1:]

	fields := strings.Split(stem, "-")
	if len(fields) < 4 {
		return Name{}, invalidName(name, "expected site-tag-start-duration")
	}
	n := len(fields)
	start, err := strconv.ParseInt(fields[n-2], 10, 64)
	if err != nil {
		return Name{}, invalidName(name, "start is not an integer")
	}
	duration, err := strconv.ParseInt(fields[n-1], 10, 64)
	if err != nil || duration <= 0 {
		return Name{}, invalidName(name, "duration is not a positive integer")
	}
	tag := strings.Join(fields[1:n-2], "-")
	if fields[0] == "" || tag == "" {
		return Name{}, invalidName(name, "empty site or tag")
	}
	return Name{Site: fields[0], Tag: tag, Start: start, Duration: duration, Extension: ext}, nil
}

func invalidName(name, reason string) error {
	return errors.NewError(errors.ErrCodeInvalidRequest, fmt.Sprintf("invalid filename %q: %s", name, reason)).
		WithComponent("query").
		WithOperation("parse_filename")
}
