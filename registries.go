package main

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/apparentlymart/ocicopy/internal/auth"
	"github.com/apparentlymart/ocicopy/internal/config"
	"github.com/apparentlymart/ocicopy/internal/ocidist"
	"github.com/apparentlymart/ocicopy/internal/transport"
)

const userAgent = "ocicopy"

// registryClients constructs clients for the registries named in the
// configuration as they're needed. Clients share a connection pool unless
// their TLS verification settings differ.
type registryClients struct {
	configs map[string]*config.Registry
	clients map[string]*ocidist.Client

	// pools is keyed by whether TLS verification is skipped.
	pools map[bool]*transport.Pool
}

func newRegistryClients(cfg *config.Config) *registryClients {
	return &registryClients{
		configs: cfg.Registries,
		clients: make(map[string]*ocidist.Client),
		pools:   make(map[bool]*transport.Pool),
	}
}

func (r *registryClients) client(name string) (*ocidist.Client, error) {
	if client, ok := r.clients[name]; ok {
		return client, nil
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("there is no registry named %q in the configuration%s", name, r.availableSuffix())
	}
	if err := ocidist.AssertValidRegistryURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid URL for registry %q: %w", name, err)
	}

	pool := r.pool(cfg.InsecureSkipVerify)
	creds := auth.StaticCredential(cfg.URL.Host, auth.Credential{
		Username:      cfg.Username,
		Password:      cfg.Password,
		IdentityToken: cfg.IdentityToken,
		AccessToken:   cfg.AccessToken,
	})
	client := ocidist.NewClientWithRoundTripper(cfg.URL, auth.NewTransport(pool, creds))
	client.AddPrepareRequest(func(req *http.Request) error {
		req.Header.Set("User-Agent", userAgent)
		return nil
	})
	r.clients[name] = client
	return client, nil
}

func (r *registryClients) pool(insecureSkipVerify bool) *transport.Pool {
	if pool, ok := r.pools[insecureSkipVerify]; ok {
		return pool
	}
	pool := transport.NewPool(transport.Options{
		InsecureSkipVerify: insecureSkipVerify,
	})
	r.pools[insecureSkipVerify] = pool
	return pool
}

// repository returns the repository that the given address refers to.
func (r *registryClients) repository(addr ocidist.RepositoryReference) (*ocidist.Repository, error) {
	client, err := r.client(addr.Registry)
	if err != nil {
		return nil, err
	}
	return client.Repository(addr.Namespace), nil
}

func (r *registryClients) availableSuffix() string {
	if len(r.configs) == 0 {
		return "; no registries are configured"
	}
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return "; available registries are " + strings.Join(names, ", ")
}

// Close releases the idle connections of every pool created so far.
func (r *registryClients) Close() {
	for _, pool := range r.pools {
		pool.Close()
	}
}
