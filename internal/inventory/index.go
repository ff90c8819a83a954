package inventory

import (
	"sort"
	"time"

	"github.com/gwdatafind/datafind-server/pkg/segments"
)

// Key identifies one fixed-duration file series.
type Key struct {
	Extension string
	Site      string
	Tag       string
	Path      string
	Duration  int64
}

// Record is a file series together with the time it covers on disk.
type Record struct {
	Key
	Flag     int
	Modified int64
	Count    int64
	Segments segments.List
}

// Index is the four-level extension -> site -> tag -> records mapping.
// An Index is never modified after Build returns it.
type Index struct {
	series  map[string]map[string]map[string][]Record
	records int
	built   time.Time
}

// Builder accumulates records for a new Index. Records sharing a Key have
// their segment lists unioned.
type Builder struct {
	records map[Key]*Record
	order   []Key
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{records: make(map[Key]*Record)}
}

// Add merges rec into the builder.
func (b *Builder) Add(rec Record) {
	if existing, ok := b.records[rec.Key]; ok {
		existing.Segments = segments.Union(existing.Segments, rec.Segments)
		existing.Count += rec.Count
		if rec.Modified > existing.Modified {
			existing.Modified = rec.Modified
		}
		return
	}
	r := rec
	b.records[rec.Key] = &r
	b.order = append(b.order, rec.Key)
}

// Build freezes the accumulated records into an Index. Records under each
// tag are ordered by path then duration.
func (b *Builder) Build() *Index {
	idx := &Index{
		series:  make(map[string]map[string]map[string][]Record),
		records: len(b.records),
		built:   time.Now(),
	}
	for _, k := range b.order {
		rec := b.records[k]
		sites, ok := idx.series[k.Extension]
		if !ok {
			sites = make(map[string]map[string][]Record)
			idx.series[k.Extension] = sites
		}
		tags, ok := sites[k.Site]
		if !ok {
			tags = make(map[string][]Record)
			sites[k.Site] = tags
		}
		tags[k.Tag] = append(tags[k.Tag], *rec)
	}
	for _, sites := range idx.series {
		for _, tags := range sites {
			for _, recs := range tags {
				sort.Slice(recs, func(i, j int) bool {
					if recs[i].Path != recs[j].Path {
						return recs[i].Path < recs[j].Path
					}
					return recs[i].Duration < recs[j].Duration
				})
			}
		}
	}
	return idx
}

// Empty returns an index with no records.
func Empty() *Index {
	return NewBuilder().Build()
}

// Len returns the number of series records.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return idx.records
}

// Built returns when the index was frozen.
func (idx *Index) Built() time.Time {
	return idx.built
}

// Extensions returns the known extensions in sorted order.
func (idx *Index) Extensions() []string {
	if idx == nil {
		return []string{}
	}
	return sortedKeys(idx.series)
}

// Sites returns the sites known for ext in sorted order.
func (idx *Index) Sites(ext string) []string {
	if idx == nil {
		return []string{}
	}
	return sortedKeys(idx.series[ext])
}

// Tags returns the tags known for ext and site in sorted order.
func (idx *Index) Tags(ext, site string) []string {
	if idx == nil {
		return []string{}
	}
	return sortedKeys(idx.series[ext][site])
}

// Records returns the records for one series. The slice is shared and must
// not be modified.
func (idx *Index) Records(ext, site, tag string) []Record {
	if idx == nil {
		return nil
	}
	return idx.series[ext][site][tag]
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return []string{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
