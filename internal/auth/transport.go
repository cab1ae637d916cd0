package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/apparentlymart/ocicopy/internal/logging"
	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

// ClientID is the client_id we report to token services when exchanging a
// refresh token.
const ClientID = "ocicopy"

// maxTokenResponseSize limits how much of a token service's response we'll
// read.
const maxTokenResponseSize = 1 << 20

// Transport is an [http.RoundTripper] that adds credentials to requests
// made through it, answering basic and bearer challenges from the registry.
//
// Tokens are cached per registry host and scope, so that after the first
// challenge for a particular repository the subsequent requests carry the
// right token from the outset. A request whose body can't be replayed is
// not retried after a challenge; its 401 response is returned as-is.
//
// Transport is safe for concurrent use.
type Transport struct {
	base  http.RoundTripper
	creds CredentialFunc

	mu sync.Mutex
	// authz maps a cache key to a full Authorization header value.
	authz map[string]string
	// basicHosts are the hosts that challenged us with the basic scheme, to
	// which we can send credentials proactively.
	basicHosts map[string]struct{}
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport returns a transport that makes requests using base, with
// credentials from creds.
func NewTransport(base http.RoundTripper, creds CredentialFunc) *Transport {
	if creds == nil {
		creds = Anonymous
	}
	return &Transport{
		base:       base,
		creds:      creds,
		authz:      make(map[string]string),
		basicHosts: make(map[string]struct{}),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		// The caller is handling authentication itself.
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	host := req.URL.Host
	key := cacheKey(host, requestScope(req))

	first := req
	if authz, ok := t.cachedAuthorization(ctx, host, key); ok {
		first = withAuthorization(req, authz)
	}
	resp, err := t.base.RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	challenges := ParseChallenges(resp.Header.Get("WWW-Authenticate"))
	if len(challenges) == 0 {
		return resp, nil
	}
	retry, err := rewindRequest(req)
	if err != nil || retry == nil {
		// Can't replay the body, so the caller gets the 401.
		return resp, nil
	}

	authz, err := t.answer(ctx, host, key, challenges)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if authz == "" {
		return resp, nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return t.base.RoundTrip(withAuthorization(retry, authz))
}

// cachedAuthorization returns an Authorization header value to send with
// the first attempt of a request, if we have one.
func (t *Transport) cachedAuthorization(ctx context.Context, host, key string) (string, bool) {
	t.mu.Lock()
	authz, ok := t.authz[key]
	_, basic := t.basicHosts[host]
	t.mu.Unlock()
	if ok {
		return authz, true
	}
	if !basic {
		return "", false
	}
	cred, err := t.creds(ctx, host)
	if err != nil || cred.Username == "" {
		return "", false
	}
	return basicAuthorization(cred), true
}

// answer responds to the given challenges, returning the Authorization
// header value to retry with, or an empty string if we have nothing better
// to send.
func (t *Transport) answer(ctx context.Context, host, key string, challenges []Challenge) (string, error) {
	cred, err := t.creds(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to get credentials for %s: %w", host, err)
	}

	for _, ch := range challenges {
		switch ch.Scheme {
		case "bearer":
			token := cred.AccessToken
			if token == "" {
				token, err = t.fetchToken(ctx, ch, cred)
				if err != nil {
					return "", err
				}
			}
			authz := "Bearer " + token
			t.mu.Lock()
			t.authz[key] = authz
			t.mu.Unlock()
			return authz, nil
		case "basic":
			if cred.Username == "" {
				continue
			}
			t.mu.Lock()
			t.basicHosts[host] = struct{}{}
			t.mu.Unlock()
			return basicAuthorization(cred), nil
		}
	}
	return "", nil
}

// fetchToken obtains a bearer token from the realm named in the given
// challenge.
func (t *Transport) fetchToken(ctx context.Context, ch Challenge, cred Credential) (string, error) {
	logger, end := logging.ContextLoggerRequest(ctx, "fetching token for %s", ch.Parameters["scope"])
	defer end()

	realm, err := url.Parse(ch.Realm())
	if err != nil || (realm.Scheme != "https" && realm.Scheme != "http") {
		return "", fmt.Errorf("registry returned invalid token realm %q", ch.Realm())
	}

	var req *http.Request
	if cred.IdentityToken != "" {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cred.IdentityToken)
		form.Set("client_id", ClientID)
		if service := ch.Parameters["service"]; service != "" {
			form.Set("service", service)
		}
		if scope := ch.Parameters["scope"]; scope != "" {
			form.Set("scope", scope)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, realm.String(), strings.NewReader(form.Encode()))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		q := realm.Query()
		if service := ch.Parameters["service"]; service != "" {
			q.Set("service", service)
		}
		for _, scope := range strings.Fields(ch.Parameters["scope"]) {
			q.Add("scope", scope)
		}
		realm.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, realm.String(), nil)
		if err != nil {
			return "", err
		}
		if cred.Username != "" {
			req.SetBasicAuth(cred.Username, cred.Password)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	logger.WithField("status", resp.StatusCode).Debug("token service responded")
	if resp.StatusCode != http.StatusOK {
		return "", &TokenError{Realm: realm.Redacted(), StatusCode: resp.StatusCode}
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseSize)).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid token response: %w", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	if body.AccessToken != "" {
		return body.AccessToken, nil
	}
	return "", fmt.Errorf("token service at %s returned no token", realm.Redacted())
}

// TokenError reports that a token service refused to issue a token.
type TokenError struct {
	Realm      string
	StatusCode int
}

func (err *TokenError) Error() string {
	return fmt.Sprintf("token service at %s responded with status %d", err.Realm, err.StatusCode)
}

// Unwrap classifies a refusal as [ocidist.ErrUnauthorized] or
// [ocidist.ErrForbidden], so that it isn't retried. Token services report a
// rejected refresh token as 400 invalid_grant. Other statuses, such as a
// 503 from an overloaded token service, have no kind and remain transient.
func (err *TokenError) Unwrap() error {
	switch err.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return ocidist.ErrUnauthorized
	case http.StatusForbidden:
		return ocidist.ErrForbidden
	default:
		return nil
	}
}

func basicAuthorization(cred Credential) string {
	req := http.Request{Header: make(http.Header)}
	req.SetBasicAuth(cred.Username, cred.Password)
	return req.Header.Get("Authorization")
}

func withAuthorization(req *http.Request, authz string) *http.Request {
	ret := req.Clone(req.Context())
	ret.Header.Set("Authorization", authz)
	return ret
}

// rewindRequest returns a copy of the given request that can be sent
// again, or nil if the request's body can't be replayed.
func rewindRequest(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Clone(req.Context()), nil
	}
	if req.GetBody == nil {
		return nil, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	ret := req.Clone(req.Context())
	ret.Body = body
	return ret, nil
}

// requestScope guesses the token scope a request to the distribution API
// will need, from its path and method.
func requestScope(req *http.Request) string {
	path := strings.TrimPrefix(req.URL.Path, "/v2/")
	if path == req.URL.Path {
		return ""
	}
	var name string
	for _, marker := range []string{"/manifests/", "/blobs/", "/tags/"} {
		if i := strings.Index(path, marker); i > 0 {
			name = path[:i]
			break
		}
	}
	if name == "" {
		return ""
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return "repository:" + name + ":pull"
	default:
		return "repository:" + name + ":pull,push"
	}
}

func cacheKey(host, scope string) string {
	return host + " " + scope
}
