// Package urls expands file paths into access URLs and ranks the candidate
// URLs of one file against the configured preference rules.
package urls

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gwdatafind/datafind-server/pkg/errors"
)

// SchemeFile is the local-path scheme. It needs no host.
const SchemeFile = "file"

// DefaultFileHost is the host used in file URLs when none is configured.
const DefaultFileHost = "localhost"

// Endpoint is one configured access scheme.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	// StripPrefix is removed from the file path before AddPrefix is applied.
	StripPrefix string
	AddPrefix   string
}

// Builder expands a file path into one URL per configured endpoint.
type Builder struct {
	endpoints []Endpoint
}

// NewBuilder validates endpoints. Endpoints other than file without a host
// are considered unconfigured and dropped.
func NewBuilder(endpoints []Endpoint) (*Builder, error) {
	b := &Builder{}
	for i, ep := range endpoints {
		ep.Scheme = strings.ToLower(strings.TrimSpace(ep.Scheme))
		if ep.Scheme == "" {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("url endpoint %d has no scheme", i)).
				WithComponent("urls")
		}
		if ep.Port < 0 || ep.Port > 65535 {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("url endpoint %d has invalid port %d", i, ep.Port)).
				WithComponent("urls")
		}
		if ep.Scheme == SchemeFile && ep.Host == "" {
			ep.Host = DefaultFileHost
		}
		if ep.Host == "" {
			continue
		}
		b.endpoints = append(b.endpoints, ep)
	}
	return b, nil
}

// Schemes lists the configured schemes in declaration order.
func (b *Builder) Schemes() []string {
	out := make([]string, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		out = append(out, ep.Scheme)
	}
	return out
}

// Expand returns one URL for filePath per endpoint, in declaration order.
func (b *Builder) Expand(filePath string) []string {
	out := make([]string, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		out = append(out, ep.url(filePath))
	}
	return out
}

func (ep Endpoint) url(filePath string) string {
	p := filePath
	if ep.StripPrefix != "" {
		p = strings.TrimPrefix(p, ep.StripPrefix)
	}
	if ep.AddPrefix != "" {
		p = path.Join(ep.AddPrefix, p)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	host := ep.Host
	if ep.Port > 0 {
		host = net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	}
	u := url.URL{Scheme: ep.Scheme, Host: host, Path: p}
	return u.String()
}

// Dedupe removes repeated URLs, keeping first occurrences in order.
func Dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
