package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gwdatafind/datafind-server/internal/inventory"
	"github.com/gwdatafind/datafind-server/internal/query"
	"github.com/gwdatafind/datafind-server/internal/urls"
	"github.com/gwdatafind/datafind-server/pkg/errors"
	"github.com/gwdatafind/datafind-server/pkg/segments"
)

// Extensions lists the file extensions known to the inventory.
func (s *Service) Extensions(ctx context.Context) (out []string, err error) {
	defer s.observe(OpExtensions, time.Now(), &out, &err)

	idx, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return query.Extensions(idx), nil
}

// Sites lists the sites known for ext.
func (s *Service) Sites(ctx context.Context, ext string) (out []string, err error) {
	defer s.observe(OpSites, time.Now(), &out, &err)

	idx, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return query.Sites(idx, ext), nil
}

// Tags lists the tags known for ext and site. The site query.AllSites
// aggregates across every site.
func (s *Service) Tags(ctx context.Context, ext, site string) (out []string, err error) {
	defer s.observe(OpTags, time.Now(), &out, &err)

	idx, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return query.Tags(idx, ext, site), nil
}

// Segments lists every segment covered by a series.
func (s *Service) Segments(ctx context.Context, ext, site, tag string) (segments.List, error) {
	return s.SegmentsIn(ctx, ext, site, tag, segments.Everything)
}

// SegmentsIn lists the segments covered by a series, clipped to window.
func (s *Service) SegmentsIn(ctx context.Context, ext, site, tag string, window segments.Segment) (out segments.List, err error) {
	defer s.observe(OpSegments, time.Now(), &out, &err)

	if err := checkWindow(window); err != nil {
		return nil, err
	}
	idx, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return query.CoveredSegments(idx, ext, site, tag, window), nil
}

// URLs lists the ranked candidate URLs of every file of a series that
// overlaps window.
func (s *Service) URLs(ctx context.Context, ext, site, tag string, window segments.Segment, f urls.Filter) (out []string, err error) {
	defer s.observe(OpURLs, time.Now(), &out, &err)

	if err := checkWindow(window); err != nil {
		return nil, err
	}
	idx, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return s.candidates(query.MatchingFiles(idx, ext, site, tag, window, false), f)
}

// Latest lists the ranked candidate URLs of the most recent file of a
// series. When several records end at the same time, each contributes its
// final file.
func (s *Service) Latest(ctx context.Context, ext, site, tag string, f urls.Filter) (out []string, err error) {
	defer s.observe(OpLatest, time.Now(), &out, &err)

	idx, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return s.candidates(latestFiles(idx, ext, site, tag), f)
}

// FileURLs lists the ranked candidate URLs of one named file.
func (s *Service) FileURLs(ctx context.Context, filename string, f urls.Filter) (out []string, err error) {
	defer s.observe(OpFileURLs, time.Now(), &out, &err)

	name, err := query.ParseFilename(filename)
	if err != nil {
		return nil, err
	}
	idx, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return s.candidates(query.Resolve(idx, name), f)
}

func latestFiles(idx *inventory.Index, ext, site, tag string) []query.File {
	files := query.MatchingFiles(idx, ext, site, tag, segments.Everything, true)
	if len(files) == 0 {
		return files
	}
	stop := files[0].Stop()
	for _, f := range files[1:] {
		if f.Stop() > stop {
			stop = f.Stop()
		}
	}
	latest := files[:0:0]
	for _, f := range files {
		if f.Stop() == stop {
			latest = append(latest, f)
		}
	}
	return latest
}

// candidates expands files into URLs, grouping copies of the same logical
// file so the filter and ranking pick among them. Files are emitted in
// start-time order.
func (s *Service) candidates(files []query.File, f urls.Filter) ([]string, error) {
	if _, err := f.Apply(nil); err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Start < files[j].Start })

	var order []string
	groups := make(map[string][]string)
	for _, file := range files {
		name := file.Name()
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], s.builder.Expand(file.Path())...)
	}

	out := []string{}
	for _, name := range order {
		picked, err := s.ranker.Select(urls.Dedupe(groups[name]), f)
		if err != nil {
			return nil, err
		}
		out = append(out, picked...)
	}
	return urls.Dedupe(out), nil
}

func checkWindow(w segments.Segment) error {
	if w.Stop < w.Start {
		return errors.NewError(errors.ErrCodeInvalidRequest,
			fmt.Sprintf("window end %d before start %d", w.Stop, w.Start)).
			WithComponent("query")
	}
	return nil
}

func (s *Service) observe(op string, start time.Time, results interface{}, errp *error) {
	n := 0
	switch v := results.(type) {
	case *[]string:
		n = len(*v)
	case *segments.List:
		n = len(*v)
	}
	s.metrics.RecordQuery(op, time.Since(start), n, *errp)
	if *errp != nil {
		s.logger.Debug().Err(*errp).Str("operation", op).Msg("query failed")
	}
}
