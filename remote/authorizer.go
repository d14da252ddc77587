package remote

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// Authorizer attaches credentials to outgoing requests and, for variants
// that support it, drives a login flow (spec §4.4).
type Authorizer interface {
	AuthorizeRequest(req *http.Request)
}

// LoginCapable is implemented by Authorizers that can perform a login POST
// (Session, Persona) as opposed to attaching static credentials on every
// request (Basic).
type LoginCapable interface {
	Authorizer
	// LoginPathForSite returns the endpoint, relative to the remote root,
	// that a login POST should target.
	LoginPathForSite(site *url.URL) string
	// LoginParametersForSite returns the JSON body for the login POST.
	LoginParametersForSite(site *url.URL) (map[string]interface{}, error)
}

// CookieAdopter is implemented by LoginCapable Authorizers that persist a
// session cookie from a login response (Session, Persona). checkSession
// type-asserts to this after a successful login POST so the cookie is
// actually retained instead of being re-negotiated on every request.
type CookieAdopter interface {
	AdoptCookie(resp *http.Response)
}

// BasicAuthorizer attaches HTTP Basic auth from a username/password pair,
// the default built from URL userinfo per spec §4.5 step 4.
type BasicAuthorizer struct {
	Username, Password string
}

// BasicAuthorizerFromURL extracts Basic credentials from u's userinfo, if
// present. Returns nil if u carries no userinfo.
func BasicAuthorizerFromURL(u *url.URL) *BasicAuthorizer {
	if u == nil || u.User == nil {
		return nil
	}
	password, _ := u.User.Password()
	return &BasicAuthorizer{Username: u.User.Username(), Password: password}
}

func (a *BasicAuthorizer) AuthorizeRequest(req *http.Request) {
	if a == nil {
		return
	}
	req.SetBasicAuth(a.Username, a.Password)
}

// SessionAuthorizer implements cookie-based auth via POST /_session: it
// starts with static credentials, logs in once, and thereafter attaches
// the cookie returned by CouchDB.
type SessionAuthorizer struct {
	Username, Password string
	Cookie             *http.Cookie
}

func (a *SessionAuthorizer) AuthorizeRequest(req *http.Request) {
	if a.Cookie != nil {
		req.AddCookie(a.Cookie)
	}
}

func (a *SessionAuthorizer) LoginPathForSite(site *url.URL) string {
	return "_session"
}

func (a *SessionAuthorizer) LoginParametersForSite(site *url.URL) (map[string]interface{}, error) {
	return map[string]interface{}{
		"name":     a.Username,
		"password": a.Password,
	}, nil
}

// AdoptCookie stores the session cookie returned by a successful login, so
// subsequent requests authenticate without repeating the login dance.
func (a *SessionAuthorizer) AdoptCookie(resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.Name == "AuthSession" {
			a.Cookie = c
			return
		}
	}
}

// PersonaAuthorizer implements Mozilla Persona assertion-based auth (spec
// §4.4 "Persona assertion-based"): a single-session mechanism, so in scope
// despite spec's multi-tenant-auth non-goal (see SPEC_FULL.md §5).
type PersonaAuthorizer struct {
	Assertion string
	Cookie    *http.Cookie
}

func (a *PersonaAuthorizer) AuthorizeRequest(req *http.Request) {
	if a.Cookie != nil {
		req.AddCookie(a.Cookie)
	}
}

func (a *PersonaAuthorizer) LoginPathForSite(site *url.URL) string {
	return "_persona_assertion"
}

func (a *PersonaAuthorizer) LoginParametersForSite(site *url.URL) (map[string]interface{}, error) {
	return map[string]interface{}{"assertion": a.Assertion}, nil
}

func (a *PersonaAuthorizer) AdoptCookie(resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.Name == "AuthSession" {
			a.Cookie = c
			return
		}
	}
}

// SessionResponse is the body of a GET /_session response, used by
// checkSession to decide whether the Authorizer is already logged in.
type SessionResponse struct {
	UserCtx struct {
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	} `json:"userCtx"`
}

func DecodeSessionResponse(body []byte) (*SessionResponse, error) {
	var sr SessionResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}
