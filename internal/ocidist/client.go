package ocidist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/apparentlymart/ocicopy/internal/logging"
)

// Client is a client for the subset of the OCI distribution protocol that's
// needed to copy artifacts between registries.
//
// A Client talks to one registry. Use [Client.Repository] to obtain an
// object representing a particular namespace in that registry, which is
// what the copy engine actually works with.
type Client struct {
	baseURL    *url.URL
	prepareReq []func(req *http.Request) error
	rawClient  *http.Client
}

// NewClient constructs and returns a new [Client] that will talk to an OCI
// distribution registry at the given base URL.
//
// The given URL must use either the "http" or "https" scheme, or this function
// will panic. The URL must not include a user info portion, because we handle
// authentication separately; this function will panic if the given URL has
// user information. Use [AssertValidRegistryURL] to test whether a
// user-provided URL would be accepted by this function without panicking.
func NewClient(baseURL *url.URL) *Client {
	if err := AssertValidRegistryURL(baseURL); err != nil {
		panic(err.Error())
	}
	return &Client{
		baseURL:   baseURL,
		rawClient: http.DefaultClient,
	}
}

// NewClientWithRoundTripper constructs and returns a new [Client], with the
// same rules as [NewClient] but with a custom HTTP round-tripper
// implementation.
//
// This is how callers supply both the shared connection pool and the
// credential handling, which typically wraps it.
func NewClientWithRoundTripper(baseURL *url.URL, rt http.RoundTripper) *Client {
	client := NewClient(baseURL)
	client.rawClient = &http.Client{
		Transport: rt,
	}
	return client
}

// AssertValidRegistryURL checks whether the given URL is acceptable to pass
// to [NewClient], return an error describing a problem if not.
//
// If the result is nil then [NewClient] is guaranteed to accept the same URL
// without panicking, although that doesn't guarantee that the URL will actually
// work when it comes to making real API requests.
func AssertValidRegistryURL(baseURL *url.URL) error {
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return fmt.Errorf("must use scheme \"https\" or \"http\", not %q", baseURL.Scheme)
	}
	if baseURL.User != nil {
		return fmt.Errorf("must not include a user information portion")
	}
	return nil
}

// AddPrepareRequest provides a function that the client will call just before
// making any HTTP request, giving an opportunity to add context such as
// the User-Agent header.
//
// The request-preparation function must not modify the request in any way that
// would change the meaning of what is being requested or what format the
// response would be in. For example, it would be acceptable to set the
// User-Agent header, but it would not be acceptable to modify the Accept
// header or other similar content-negotiation-related headers.
//
// This must not be called concurrently with any other method of the same
// client object. Typically it would be called only during the initial setup of
// the client.
func (c *Client) AddPrepareRequest(cb func(req *http.Request) error) {
	c.prepareReq = append(c.prepareReq, cb)
}

// Host returns the host (and port, if any) of the registry.
func (c *Client) Host() string {
	return c.baseURL.Host
}

// Repository returns an object representing one namespace in the
// registry.
func (c *Client) Repository(ns Namespace) *Repository {
	return &Repository{
		client: c,
		ns:     ns,
	}
}

// CheckAPISupport attempts to detect whether the client's configured base
// URL is an implementation of the OCI Distribution specification.
//
// This is just a heuristic to help the system fail early if given an invalid
// URL. If the error is not nil then this is either not an OCI Distribution
// server or the provided authentication credentials are invalid.
//
// If the error is nil then the base URL _might_ be a valid OCI Distribution
// implementation, but we can't be sure until we actually try to request data
// from it.
func (c *Client) CheckAPISupport(ctx context.Context) error {
	req, err := c.newRequest(ctx, "GET", nil, "v2/")
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetNamespaceTags returns all of the tags that are available for the
// given namespace in the target registry.
//
// If the server returns any tag names that aren't valid reference strings per
// the OCI Distribution specification then this function will silently discard
// them and return only the valid subset.
func (c *Client) GetNamespaceTags(ctx context.Context, ns Namespace) ([]Reference, error) {
	req, err := c.newRequest(ctx, "GET", nil, "v2", ns.String(), "tags", "list")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}

	type RespBody struct {
		Tags []string `json:"tags"`
	}
	var respBody RespBody
	err = c.doRequestJSONResp(req, &respBody)
	if err != nil {
		return nil, err
	}

	ret := make([]Reference, 0, len(respBody.Tags))
	for _, rawTag := range respBody.Tags {
		ref, err := ParseReference(rawTag)
		if err != nil || ref.IsDigest() {
			continue
		}
		ret = append(ret, ref)
	}
	return ret, nil
}

func (c *Client) newRequest(ctx context.Context, method string, body io.Reader, urlParts ...string) (*http.Request, error) {
	u := c.baseURL.JoinPath(urlParts...)
	return c.newRequestURL(ctx, method, u, body)
}

func (c *Client) newRequestURL(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for _, cb := range c.prepareReq {
		err := cb(req)
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

// do makes the given request and returns the response only if its status
// code indicates success. Otherwise, the response body is consumed and
// closed and the status is translated into one of the errors from our
// error taxonomy.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	logger := logging.ContextLogger(req.Context())
	resp, err := c.rawClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &RequestError{Wrapped: err}
	}
	logger.WithField("status", resp.StatusCode).Debugf("%s %s", req.Method, req.URL.Redacted())
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, responseError(req, resp)
}

func (c *Client) doRequestJSONResp(req *http.Request, into any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	err = dec.Decode(into)
	if err != nil {
		return fmt.Errorf("response is not in the expected format: %s", err)
	}
	// NOTE: If there's anything trailing after the JSON object then we'll
	// just ignore it. That would not be valid per the OCI Distribution spec
	// but we'll tolerate it anyway because it doesn't hurt and is easier.
	return nil
}

// maxErrorBodySize limits how much of an error response we'll read while
// looking for an OCI error object.
const maxErrorBodySize = 64 << 10

func responseError(req *http.Request, resp *http.Response) error {
	detail := decodeErrorBody(resp)
	what := fmt.Sprintf("%s %s", req.Method, req.URL.Redacted())

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", what, withKind(detail, ErrUnauthorized))
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", what, withKind(detail, ErrForbidden))
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{What: what}
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return fmt.Errorf("%s: %w", what, withKind(detail, ErrUnsupportedMediaType))
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%s: %w", what, &ServerError{StatusCode: resp.StatusCode, Detail: detail})
	}
	if detail != nil {
		if detail.Kind == ErrNotFound {
			return &NotFoundError{What: what}
		}
		return fmt.Errorf("%s: registry responded with status %d: %w", what, resp.StatusCode, detail)
	}
	return fmt.Errorf("%s: unexpected response status %d", what, resp.StatusCode)
}

func withKind(detail *RegistryError, kind error) error {
	if detail == nil {
		return kind
	}
	detail.Kind = kind
	return detail
}

func decodeErrorBody(resp *http.Response) *RegistryError {
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ct != "application/json" {
		return nil
	}
	var body struct {
		Errors []RegistryError `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&body); err != nil {
		return nil
	}
	if len(body.Errors) == 0 {
		return nil
	}
	ret := body.Errors[0]
	ret.Kind = kindForCode(ret.Code)
	return &ret
}
