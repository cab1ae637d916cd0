package ocidist

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/image-spec/specs-go"
)

// Manifest represents an OCI image manifest or a Docker v2 image manifest,
// which both have the same overall structure.
type Manifest struct {
	specs.Versioned

	MediaType    string            `json:"mediaType,omitempty"`
	ArtifactType string            `json:"artifactType,omitempty"`
	Config       Descriptor        `json:"config"`
	Layers       []Descriptor      `json:"layers"`
	Subject      *Descriptor       `json:"subject,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// Index represents an OCI image index or a Docker manifest list, each of
// which refers to a set of alternative manifests, typically one per
// platform.
type Index struct {
	specs.Versioned

	MediaType    string            `json:"mediaType,omitempty"`
	ArtifactType string            `json:"artifactType,omitempty"`
	Manifests    []Descriptor      `json:"manifests"`
	Subject      *Descriptor       `json:"subject,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// Content is a decoded manifest or index together with the exact bytes it
// was decoded from.
//
// The raw bytes are the only representation that may be sent to a
// registry: re-encoding the decoded structure could change field order or
// whitespace and thus the digest.
type Content struct {
	Descriptor Descriptor
	Raw        []byte

	// Exactly one of Manifest and Index is set.
	Manifest *Manifest
	Index    *Index
}

// ParseManifestContent decodes the given raw bytes as whichever kind of
// manifest the given descriptor says they are.
//
// The caller must already have verified that raw matches the descriptor.
// The returned object retains raw without copying it, so the caller must
// not modify the buffer afterwards.
func ParseManifestContent(desc Descriptor, raw []byte) (*Content, error) {
	if !IsManifestType(desc) {
		return nil, fmt.Errorf("%w: %s is not a manifest type", ErrUnsupportedMediaType, desc.MediaType)
	}
	ret := &Content{
		Descriptor: desc,
		Raw:        raw,
	}

	var embeddedMediaType string
	if isIndexMediaType(desc.MediaType) {
		idx := &Index{}
		if err := json.Unmarshal(raw, idx); err != nil {
			return nil, fmt.Errorf("invalid index %s: %w", desc.Digest, err)
		}
		for i := range idx.Manifests {
			if err := idx.Manifests[i].Validate(); err != nil {
				return nil, fmt.Errorf("index %s entry %d: %w", desc.Digest, i, err)
			}
		}
		embeddedMediaType = idx.MediaType
		ret.Index = idx
	} else {
		m := &Manifest{}
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, fmt.Errorf("invalid manifest %s: %w", desc.Digest, err)
		}
		if err := m.Config.Validate(); err != nil {
			return nil, fmt.Errorf("manifest %s config: %w", desc.Digest, err)
		}
		for i := range m.Layers {
			if err := m.Layers[i].Validate(); err != nil {
				return nil, fmt.Errorf("manifest %s layer %d: %w", desc.Digest, i, err)
			}
		}
		embeddedMediaType = m.MediaType
		ret.Manifest = m
	}

	if embeddedMediaType != "" && embeddedMediaType != desc.MediaType {
		return nil, fmt.Errorf("%w: document %s declares media type %q, but its descriptor says %q", ErrInvalidDescriptor, desc.Digest, embeddedMediaType, desc.MediaType)
	}
	if subj := ret.Subject(); subj != nil {
		if err := subj.Validate(); err != nil {
			return nil, fmt.Errorf("%s subject: %w", desc.Digest, err)
		}
	}
	return ret, nil
}

// Successors returns the descriptors that must be present in a registry
// before this document can be pushed to it: the config and layers of a
// manifest, or the nested manifests of an index.
//
// The subject is deliberately excluded; see [Content.Subject].
func (c *Content) Successors() []Descriptor {
	if c.Index != nil {
		return c.Index.Manifests
	}
	ret := make([]Descriptor, 0, 1+len(c.Manifest.Layers))
	ret = append(ret, c.Manifest.Config)
	ret = append(ret, c.Manifest.Layers...)
	return ret
}

// Subject returns the descriptor this document is attached to as a
// referrer, or nil if it has no subject.
//
// A subject is a backlink rather than containment, so registries accept a
// referrer before its subject exists.
func (c *Content) Subject() *Descriptor {
	if c.Index != nil {
		return c.Index.Subject
	}
	return c.Manifest.Subject
}
