package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/gwdatafind/datafind-server/internal/urls"
	"github.com/gwdatafind/datafind-server/pkg/errors"
	"github.com/gwdatafind/datafind-server/pkg/segments"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the ID assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestIDMiddleware keeps a caller-supplied request ID or assigns a new
// one, and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) registerQueryRoutes(mux *http.ServeMux) {
	p := s.config.APIPrefix
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle("GET "+p+pattern, s.authorize(h))
	}

	if p != "" {
		route("", s.handleExtensions)
	}
	route("/{$}", s.handleExtensions)
	route("/file/{filename}", s.handleFile)
	route("/{ext}", s.handleSites)
	route("/{ext}/{site}", s.handleTags)
	route("/{ext}/{site}/{tag}/segments", s.handleSegments)
	route("/{ext}/{site}/{tag}/segments/{window}", s.handleSegments)
	route("/{ext}/{site}/{tag}/urls/{window}", s.handleURLs)
	route("/{ext}/{site}/{tag}/latest", s.handleLatest)
}

// authorize runs the authorization gate before h. A denied request gets a
// bare 403.
func (s *Server) authorize(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.querier.Authorize(r)
		if !d.Allow {
			s.logger.Info().
				Str("request_id", RequestID(r.Context())).
				Str("subject", d.Subject).
				Str("reason", d.Reason).
				Msg("request denied")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	out, err := s.querier.Extensions(r.Context())
	s.respond(w, r, out, err)
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	out, err := s.querier.Sites(r.Context(), r.PathValue("ext"))
	s.respond(w, r, out, err)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	out, err := s.querier.Tags(r.Context(), r.PathValue("ext"), r.PathValue("site"))
	s.respond(w, r, out, err)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	ext, site, tag := r.PathValue("ext"), r.PathValue("site"), r.PathValue("tag")
	if r.PathValue("window") == "" {
		out, err := s.querier.Segments(r.Context(), ext, site, tag)
		s.respond(w, r, out, err)
		return
	}
	window, err := parseWindow(r.PathValue("window"))
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	out, err := s.querier.SegmentsIn(r.Context(), ext, site, tag, window)
	s.respond(w, r, out, err)
}

func (s *Server) handleURLs(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r.PathValue("window"))
	if err != nil {
		s.respond(w, r, nil, err)
		return
	}
	out, err := s.querier.URLs(r.Context(), r.PathValue("ext"), r.PathValue("site"), r.PathValue("tag"), window, filterOf(r))
	s.respond(w, r, out, err)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	out, err := s.querier.Latest(r.Context(), r.PathValue("ext"), r.PathValue("site"), r.PathValue("tag"), filterOf(r))
	s.respond(w, r, out, err)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	out, err := s.querier.FileURLs(r.Context(), r.PathValue("filename"), filterOf(r))
	s.respond(w, r, out, err)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, data interface{}, err error) {
	if err == nil {
		s.respondJSON(w, http.StatusOK, data)
		return
	}

	status := errors.StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("query failed")
	}
	var dfErr *errors.DataFindError
	if errors.As(err, &dfErr) {
		s.respondJSON(w, status, map[string]interface{}{
			"error": dfErr.Message,
			"code":  dfErr.Code,
		})
		return
	}
	s.respondError(w, status, err.Error())
}

func filterOf(r *http.Request) urls.Filter {
	q := r.URL.Query()
	return urls.Filter{Scheme: q.Get("scheme"), Match: q.Get("match")}
}

// parseWindow reads "<start>,<end>" as a half-open GPS window.
func parseWindow(raw string) (segments.Segment, error) {
	first, second, ok := strings.Cut(raw, ",")
	if !ok {
		return segments.Segment{}, badWindow(raw, "expected start,end")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return segments.Segment{}, badWindow(raw, "start is not an integer")
	}
	end, err := strconv.ParseInt(strings.TrimSpace(second), 10, 64)
	if err != nil {
		return segments.Segment{}, badWindow(raw, "end is not an integer")
	}
	if end < start {
		return segments.Segment{}, badWindow(raw, "end before start")
	}
	return segments.Segment{Start: start, Stop: end}, nil
}

func badWindow(raw, reason string) error {
	return errors.NewError(errors.ErrCodeInvalidRequest, fmt.Sprintf("invalid window %q: %s", raw, reason)).
		WithComponent("api")
}
