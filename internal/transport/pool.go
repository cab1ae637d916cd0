// Package transport owns the HTTP connection pools that registry clients
// share.
//
// There's no package-level default pool. The program constructs one [Pool]
// for each distinct set of [Options] it needs, hands it to every client
// with those options, and closes it on the way out.
package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

// Options configures the connections a [Pool] makes.
//
// The zero value is usable and selects reasonable defaults.
type Options struct {
	// InsecureSkipVerify disables TLS certificate verification. This
	// exists only for talking to development registries with self-signed
	// certificates.
	InsecureSkipVerify bool

	// MaxIdleConnsPerHost limits how many idle connections we keep to each
	// registry host. If zero, DefaultMaxIdleConnsPerHost is used.
	MaxIdleConnsPerHost int

	// DialTimeout and ResponseHeaderTimeout bound the parts of a request
	// that don't depend on how large the content is. If zero, the defaults
	// below are used.
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

const (
	DefaultMaxIdleConnsPerHost   = 16
	DefaultDialTimeout           = 30 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
)

// Pool lazily constructs an [http.Transport] the first time one is needed,
// and then returns that same transport to every caller.
//
// Pool is safe for concurrent use.
type Pool struct {
	opts Options

	once   sync.Once
	mu     sync.Mutex
	tr     *http.Transport
	closed bool
}

// NewPool returns a pool that will build its transport using the given
// options. No connections are made until the transport is first used.
func NewPool(opts Options) *Pool {
	return &Pool{opts: opts}
}

// Transport returns the pool's shared transport, building it on the first
// call.
//
// Transport returns nil after [Pool.Close] has been called.
func (p *Pool) Transport() *http.Transport {
	p.once.Do(func() {
		tr := p.build()
		p.mu.Lock()
		p.tr = tr
		p.mu.Unlock()
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.tr
}

// RoundTrip implements [http.RoundTripper] using the shared transport, so
// that a Pool can be passed directly anywhere a round tripper is expected.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	tr := p.Transport()
	if tr == nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, errPoolClosed
	}
	return tr.RoundTrip(req)
}

// Close releases all idle connections and prevents any further use of the
// pool. Requests already in progress are unaffected.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.tr != nil {
		p.tr.CloseIdleConnections()
	}
}

func (p *Pool) build() *http.Transport {
	dialTimeout := p.opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}
	headerTimeout := p.opts.ResponseHeaderTimeout
	if headerTimeout == 0 {
		headerTimeout = DefaultResponseHeaderTimeout
	}
	idle := p.opts.MaxIdleConnsPerHost
	if idle == 0 {
		idle = DefaultMaxIdleConnsPerHost
	}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          idle * 4,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: p.opts.InsecureSkipVerify,
		},
	}
}

// errPoolClosed is a permanent failure, so callers that retry transient
// errors give up immediately.
var errPoolClosed = ocidist.ErrClosed
