// Package auth implements the credential handling for registry requests:
// answering the challenges a registry returns with a 401 response, and
// remembering the resulting tokens for later requests.
//
// The copy engine never sees any of this. It's wired in as an
// [http.RoundTripper] underneath the registry client.
package auth

import (
	"context"
)

// Credential is the information we might present to a registry, or to its
// token service, to prove our identity.
//
// At most one of the three forms is typically populated: a username and
// password, an identity (refresh) token, or a ready-to-use access token.
type Credential struct {
	Username string
	Password string

	// IdentityToken is an OAuth2 refresh token, exchanged for an access
	// token at the realm named in a bearer challenge.
	IdentityToken string

	// AccessToken is a bearer token to send directly, skipping the token
	// service entirely.
	AccessToken string
}

// IsEmpty returns true if the credential has no information at all, in
// which case we'll request anonymous access.
func (c Credential) IsEmpty() bool {
	return c == Credential{}
}

// CredentialFunc returns the credential to use for the given registry host,
// which includes the port number if the registry isn't on the default port.
//
// Return a zero [Credential] and a nil error for anonymous access.
type CredentialFunc func(ctx context.Context, host string) (Credential, error)

// StaticCredential returns a [CredentialFunc] that returns the given
// credential for the given host and an empty credential for all others.
func StaticCredential(host string, cred Credential) CredentialFunc {
	return func(ctx context.Context, h string) (Credential, error) {
		if h == host {
			return cred, nil
		}
		return Credential{}, nil
	}
}

// Anonymous is a [CredentialFunc] that never returns any credentials.
func Anonymous(ctx context.Context, host string) (Credential, error) {
	return Credential{}, nil
}
