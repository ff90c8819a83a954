// Package query implements the read operations over an inventory index
// snapshot. Every function is pure: the index is never modified, and an
// unknown extension, site or tag yields an empty result rather than an error.
package query

import (
	"path"
	"sort"

	"github.com/gwdatafind/datafind-server/internal/inventory"
	"github.com/gwdatafind/datafind-server/pkg/segments"
)

// AllSites aggregates a query across every site of an extension.
const AllSites = "all"

// File is one fixed-duration data file of a series.
type File struct {
	Dir       string
	Site      string
	Tag       string
	Extension string
	Start     int64
	Duration  int64
}

// Name returns the canonical file name.
func (f File) Name() string {
	return Filename(f.Site, f.Tag, f.Start, f.Duration, f.Extension)
}

// Path returns the file name joined to its directory.
func (f File) Path() string {
	return path.Join(f.Dir, f.Name())
}

// Stop returns the end of the span covered by the file.
func (f File) Stop() int64 { return f.Start + f.Duration }

// Segment returns the span covered by the file.
func (f File) Segment() segments.Segment {
	return segments.Segment{Start: f.Start, Stop: f.Stop()}
}

// Extensions lists the extensions known to idx.
func Extensions(idx *inventory.Index) []string {
	return idx.Extensions()
}

// Sites lists the sites known for ext.
func Sites(idx *inventory.Index, ext string) []string {
	return idx.Sites(ext)
}

// Tags lists the tags for ext and site. AllSites returns the sorted,
// de-duplicated union of tags across every site.
func Tags(idx *inventory.Index, ext, site string) []string {
	if site != AllSites {
		return idx.Tags(ext, site)
	}
	seen := make(map[string]struct{})
	for _, s := range idx.Sites(ext) {
		for _, t := range idx.Tags(ext, s) {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Records returns the records for a series, aggregated across sites when
// site is AllSites.
func Records(idx *inventory.Index, ext, site, tag string) []inventory.Record {
	if site != AllSites {
		return idx.Records(ext, site, tag)
	}
	var out []inventory.Record
	for _, s := range idx.Sites(ext) {
		out = append(out, idx.Records(ext, s, tag)...)
	}
	return out
}

// CoveredSegments unions, across every matching record, the record's
// segments clipped to window.
func CoveredSegments(idx *inventory.Index, ext, site, tag string, window segments.Segment) segments.List {
	out := segments.List{}
	for _, rec := range Records(idx, ext, site, tag) {
		out = segments.Union(out, segments.Intersect(rec.Segments, window))
	}
	return out
}

// MatchingFiles enumerates the files of every matching record that overlap
// window. With latestOnly, each record contributes only the file at the end
// of its last segment. Files are ordered by record, then by start time.
func MatchingFiles(idx *inventory.Index, ext, site, tag string, window segments.Segment, latestOnly bool) []File {
	files := []File{}
	for _, rec := range Records(idx, ext, site, tag) {
		segs := rec.Segments
		if latestOnly {
			last, err := segments.Latest(rec.Segments, rec.Duration)
			if err != nil {
				continue
			}
			segs = segments.List{last}
		}
		for _, seg := range segs {
			files = appendFiles(files, rec, seg, window)
		}
	}
	return files
}

// appendFiles walks the duration-sized file boundaries of seg, starting at
// seg.Start, and appends those overlapping window.
func appendFiles(files []File, rec inventory.Record, seg, window segments.Segment) []File {
	if rec.Duration <= 0 || !seg.Intersects(window) {
		return files
	}
	t := seg.Start
	if window.Start > t {
		t += (window.Start - t) / rec.Duration * rec.Duration
	}
	end := seg.Stop
	if window.Stop < end {
		end = window.Stop
	}
	for ; t < end; t += rec.Duration {
		files = append(files, File{
			Dir:       rec.Path,
			Site:      rec.Site,
			Tag:       rec.Tag,
			Extension: rec.Extension,
			Start:     t,
			Duration:  rec.Duration,
		})
	}
	return files
}

// Resolve finds the on-disk locations of one named file: every record of
// the named series whose coverage includes a file boundary at the name's
// start time.
func Resolve(idx *inventory.Index, name Name) []File {
	files := []File{}
	for _, rec := range idx.Records(name.Extension, name.Site, name.Tag) {
		if rec.Duration != name.Duration {
			continue
		}
		for _, seg := range rec.Segments {
			if name.Start < seg.Start || name.Start >= seg.Stop {
				continue
			}
			if (name.Start-seg.Start)%rec.Duration != 0 {
				continue
			}
			files = append(files, File{
				Dir:       rec.Path,
				Site:      rec.Site,
				Tag:       rec.Tag,
				Extension: rec.Extension,
				Start:     name.Start,
				Duration:  rec.Duration,
			})
			break
		}
	}
	return files
}
