package realtime

import (
	"net/http"
	"strings"
)

// Authenticator resolves the authenticated subject of an upgrade request.
// Token verification lives outside the core; the gateway only consumes the subject.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// HeaderAuthenticator trusts a request header as the subject. Dev only.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	subject := strings.TrimSpace(r.Header.Get(a.Header))
	if subject == "" {
		return "", OpError{Op: "realtime.HeaderAuthenticator", Kind: ErrUnauthenticated, Msg: "missing " + a.Header}
	}
	return subject, nil
}
