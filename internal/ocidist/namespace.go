package ocidist

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Namespace represents a sequence of slash-separated parts used as the
// identifier for a "namespace" in an OCI distribution registry.
//
// Although not enforcable by the Go compiler, a valid Namespace value must
// always have at least one part, and all of the parts must themselves be
// valid per the definition of [NamespacePart]. Use [ParseNamespace] to
// guarantee a valid Namespace value.
type Namespace []NamespacePart

// NamespacePart represents one of the possibly-several slash-separated parts
// in an OCI distribution registry namespace.
//
// Although not enforcable by the Go compiler, values of this type must always
// be valid namespace parts as defined in the OCI Distribution specification,
// which means they must match the following regular expression pattern:
//
//	[a-z0-9]+([._-][a-z0-9]+)*
//
// Use [ParseNamespacePart] to guarantee a valid value.
type NamespacePart string

// Reference represents a reference string used to identify a particular
// manifest in an OCI distribution registry: either a tag or a digest.
//
// Although not enforcable by the Go compiler, values of this type must
// always be either a valid digest or a valid tag as defined in the OCI
// Distribution specification, which means they must match the following
// regular expression pattern:
//
//	[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}
//
// Use [ParseReference] to guarantee a valid value.
type Reference string

// ParseNamespace parses a string in the format defined in the OCI Distribution
// specification into a [Namespace] value, or returns an error if the given
// string does not use valid syntax.
func ParseNamespace(s string) (Namespace, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("must include at least one namespace part")
	}
	parts := strings.Split(s, "/")
	ret := make(Namespace, len(parts))
	for i, raw := range parts {
		var err error
		ret[i], err = ParseNamespacePart(raw)
		if err != nil {
			return nil, fmt.Errorf("part %d is invalid: %s", i+1, err)
		}
	}
	return ret, nil
}

func MustParseNamespace(s string) Namespace {
	ns, err := ParseNamespace(s)
	if err != nil {
		panic(err)
	}
	return ns
}

func ParseNamespacePart(s string) (NamespacePart, error) {
	if !namespacePartRe.MatchString(s) {
		return "", fmt.Errorf("must consist of one or more sequences of lowercase latin letters and digits separated by individual periods, underscores, or dashes")
	}
	return NamespacePart(s), nil
}

// ParseReference accepts either a tag or a digest.
func ParseReference(s string) (Reference, error) {
	if strings.Contains(s, ":") {
		if _, err := ParseDigest(s); err != nil {
			return "", err
		}
		return Reference(s), nil
	}
	if !referenceRe.MatchString(s) {
		return "", fmt.Errorf("must consist of a latin letter, digit, or underscore, followed by up to 127 more latin letters, digits, underscores, dashes, or dots")
	}
	return Reference(s), nil
}

func MustParseReference(s string) Reference {
	r, err := ParseReference(s)
	if err != nil {
		panic(err)
	}
	return r
}

// RepositoryReference is the combination of a configured registry name, a
// namespace within that registry, and optionally a reference to a specific
// manifest in that namespace.
//
// This is the address syntax used on our command line, which looks like
// the following:
//
//	upstream/library/alpine:3.19
//	upstream/library/alpine@sha256:...
//	mirror/library/alpine
type RepositoryReference struct {
	Registry  string
	Namespace Namespace
	Reference Reference // empty if not specified
}

// ParseRepositoryReference parses the address syntax described in the
// documentation for [RepositoryReference].
func ParseRepositoryReference(s string) (RepositoryReference, error) {
	var ret RepositoryReference
	slash := strings.IndexByte(s, '/')
	if slash < 1 {
		return ret, fmt.Errorf("must start with a registry name followed by a slash")
	}
	ret.Registry = s[:slash]
	rest := s[slash+1:]

	var refStr string
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		rest, refStr = rest[:at], rest[at+1:]
		if _, err := ParseDigest(refStr); err != nil {
			return ret, fmt.Errorf("invalid digest: %w", err)
		}
	} else if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		rest, refStr = rest[:colon], rest[colon+1:]
	}

	ns, err := ParseNamespace(rest)
	if err != nil {
		return ret, fmt.Errorf("invalid namespace: %w", err)
	}
	ret.Namespace = ns
	if refStr != "" {
		ref, err := ParseReference(refStr)
		if err != nil {
			return ret, fmt.Errorf("invalid reference: %w", err)
		}
		ret.Reference = ref
	}
	return ret, nil
}

func (rr RepositoryReference) String() string {
	var buf strings.Builder
	buf.WriteString(rr.Registry)
	buf.WriteByte('/')
	buf.WriteString(rr.Namespace.String())
	if rr.Reference != "" {
		if rr.Reference.IsDigest() {
			buf.WriteByte('@')
		} else {
			buf.WriteByte(':')
		}
		buf.WriteString(string(rr.Reference))
	}
	return buf.String()
}

func (ns Namespace) String() string {
	var buf strings.Builder
	for i, part := range ns {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(string(part))
	}
	return buf.String()
}

// Append builds a new [Namespace] by appending another part to an existing
// [Namespace].
func (ns Namespace) Append(part NamespacePart) Namespace {
	ret := make(Namespace, len(ns)+1)
	copy(ret, ns)
	ret[len(ns)] = part
	return ret
}

func (np NamespacePart) String() string {
	return string(np)
}

func (r Reference) String() string {
	return string(r)
}

// IsDigest returns true if the reference is a digest rather than a tag.
func (r Reference) IsDigest() bool {
	return strings.Contains(string(r), ":")
}

// Digest returns the reference as a digest, or an empty digest if the
// reference is a tag.
func (r Reference) Digest() digest.Digest {
	if !r.IsDigest() {
		return ""
	}
	return digest.Digest(r)
}

var namespacePartRe = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
var referenceRe = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
