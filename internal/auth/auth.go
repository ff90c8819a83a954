// Package auth decides whether a request may query the server. Credential
// validation happens upstream (TLS termination); this package only checks
// the presented subject against the access list.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gwdatafind/datafind-server/internal/inventory"
)

// DefaultSubjectHeader carries the client certificate subject set by the
// TLS-terminating proxy.
const DefaultSubjectHeader = "X-SSL-Client-S-DN"

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow    bool
	Reason   string
	Subject  string
	Identity string
}

// Authorizer gates every data query.
type Authorizer interface {
	Authorize(r *http.Request) Decision
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) Decision

// Authorize calls f(r).
func (f AuthorizerFunc) Authorize(r *http.Request) Decision { return f(r) }

// AllowAll admits every request.
type AllowAll struct{}

// Authorize always allows.
func (AllowAll) Authorize(*http.Request) Decision {
	return Decision{Allow: true, Reason: "authorization disabled"}
}

// SnapshotFunc returns the current access list, waiting for the first load
// within ctx.
type SnapshotFunc func(ctx context.Context) (*inventory.AccessList, error)

// AccessListAuthorizer admits requests whose subject header names an entry
// of the current access list.
type AccessListAuthorizer struct {
	header   string
	snapshot SnapshotFunc
}

// NewAccessListAuthorizer reads the subject from header, or from
// DefaultSubjectHeader when header is empty.
func NewAccessListAuthorizer(header string, snapshot SnapshotFunc) *AccessListAuthorizer {
	if header == "" {
		header = DefaultSubjectHeader
	}
	return &AccessListAuthorizer{header: header, snapshot: snapshot}
}

// Authorize checks the request subject. A list that cannot be obtained
// denies.
func (a *AccessListAuthorizer) Authorize(r *http.Request) Decision {
	subject := strings.TrimSpace(r.Header.Get(a.header))
	if subject == "" {
		return Decision{Reason: "no subject presented"}
	}
	list, err := a.snapshot(r.Context())
	if err != nil {
		return Decision{Subject: subject, Reason: "access list unavailable: " + err.Error()}
	}
	identity, ok := list.Identity(subject)
	if !ok {
		return Decision{Subject: subject, Reason: "subject not in access list"}
	}
	return Decision{Allow: true, Subject: subject, Identity: identity, Reason: "subject in access list"}
}
