package ocidist

import (
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	MediaTypeImageManifest = ocispec.MediaTypeImageManifest
	MediaTypeImageIndex    = ocispec.MediaTypeImageIndex
	MediaTypeEmptyJSON     = ocispec.MediaTypeEmptyJSON

	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

	// MediaTypeOctetStream is what registries typically report for blobs,
	// whose real media type is only known to the manifest referring to them.
	MediaTypeOctetStream = "application/octet-stream"
)

// manifestMediaTypes are the media types we're able to decode into a
// [Manifest] or [Index] and walk the children of.
var manifestMediaTypes = []string{
	MediaTypeImageManifest,
	MediaTypeImageIndex,
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
}

// manifestAcceptHeader is the Accept header value we send when we don't
// know in advance which kind of manifest a reference will resolve to.
var manifestAcceptHeader = strings.Join(manifestMediaTypes, ", ")

func isIndexMediaType(mediaType string) bool {
	return mediaType == MediaTypeImageIndex || mediaType == MediaTypeDockerManifestList
}
