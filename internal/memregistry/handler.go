package memregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	"github.com/apparentlymart/ocicopy/internal/logging"
	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

// Error codes from the OCI distribution specification that this registry
// can return.
const (
	errCodeBlobUnknown         = "BLOB_UNKNOWN"
	errCodeBlobUploadUnknown   = "BLOB_UPLOAD_UNKNOWN"
	errCodeDigestInvalid       = "DIGEST_INVALID"
	errCodeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	errCodeManifestInvalid     = "MANIFEST_INVALID"
	errCodeManifestUnknown     = "MANIFEST_UNKNOWN"
	errCodeNameUnknown         = "NAME_UNKNOWN"
	errCodeUnsupported         = "UNSUPPORTED"
)

const namePattern = `(?:[a-z0-9]+(?:[._-][a-z0-9]+)*/)*[a-z0-9]+(?:[._-][a-z0-9]+)*`

// Handler returns an HTTP handler that serves the registry's content using
// the distribution HTTP API.
//
// Only monolithic uploads are supported: a POST to open an upload session
// followed by a single PUT carrying the whole blob.
func (r *Registry) Handler() http.Handler {
	router := mux.NewRouter()
	v2 := router.PathPrefix("/v2").Subrouter()

	v2.HandleFunc("/", r.handleBase).Methods(http.MethodGet, http.MethodHead)
	v2.HandleFunc("/{name:"+namePattern+"}/tags/list", r.handleTagsList).Methods(http.MethodGet)
	v2.HandleFunc("/{name:"+namePattern+"}/manifests/{reference}", r.handleManifestGet).Methods(http.MethodGet, http.MethodHead)
	v2.HandleFunc("/{name:"+namePattern+"}/manifests/{reference}", r.handleManifestPut).Methods(http.MethodPut)
	v2.HandleFunc("/{name:"+namePattern+"}/blobs/uploads/", r.handleUploadStart).Methods(http.MethodPost)
	v2.HandleFunc("/{name:"+namePattern+"}/blobs/uploads/{uuid}", r.handleUploadPut).Methods(http.MethodPut)
	v2.HandleFunc("/{name:"+namePattern+"}/blobs/uploads/{uuid}", r.handleUploadCancel).Methods(http.MethodDelete)
	v2.HandleFunc("/{name:"+namePattern+"}/blobs/{digest}", r.handleBlobGet).Methods(http.MethodGet, http.MethodHead)

	router.Use(logRequests)
	return router
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger := logging.ContextLogger(req.Context()).WithField("method", req.Method)
		logger.Debugf("%s", req.URL.Path)
		next.ServeHTTP(w, req)
	})
}

func (r *Registry) handleBase(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

func (r *Registry) handleTagsList(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	r.mu.Lock()
	exists := r.repo(name, false) != nil
	r.mu.Unlock()
	if !exists {
		writeError(w, http.StatusNotFound, errCodeNameUnknown, "repository name not known to registry")
		return
	}
	tags := r.Repository(name).Tags()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{name, tags})
}

func (r *Registry) handleManifestGet(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	repo := r.Repository(vars["name"])
	desc, err := repo.Resolve(req.Context(), vars["reference"])
	if err != nil {
		if errors.Is(err, ocidist.ErrNotFound) {
			writeError(w, http.StatusNotFound, errCodeManifestUnknown, "manifest unknown")
			return
		}
		writeError(w, http.StatusBadRequest, errCodeManifestInvalid, err.Error())
		return
	}
	r.mu.Lock()
	raw := r.repo(repo.name, false).manifests[desc.Digest].raw
	if req.Method == http.MethodGet {
		r.fetches++
	}
	r.mu.Unlock()
	writeContent(w, req, desc, raw)
}

func (r *Registry) handleManifestPut(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	name := vars["name"]
	ref, err := ocidist.ParseReference(vars["reference"])
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeManifestInvalid, err.Error())
		return
	}
	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeManifestInvalid, "missing or invalid Content-Type")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(req.Body, ocidist.DefaultMaxManifestSize+1))
	if err != nil {
		return
	}
	if len(raw) > ocidist.DefaultMaxManifestSize {
		writeError(w, http.StatusRequestEntityTooLarge, errCodeManifestInvalid, "manifest too large")
		return
	}
	desc := ocidist.NewDescriptorFromBytes(raw, mediaType)
	if !ocidist.IsManifestType(desc) {
		writeError(w, http.StatusUnsupportedMediaType, errCodeUnsupported, fmt.Sprintf("unsupported manifest media type %q", mediaType))
		return
	}
	tag := ""
	if ref.IsDigest() {
		if ref.Digest() != desc.Digest {
			writeError(w, http.StatusBadRequest, errCodeDigestInvalid, "manifest content does not match the digest in the URL")
			return
		}
	} else {
		tag = ref.String()
	}

	err = r.putManifest(name, desc, raw, tag)
	var missing *missingChildError
	switch {
	case errors.As(err, &missing):
		writeError(w, http.StatusBadRequest, errCodeManifestBlobUnknown, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, errCodeManifestInvalid, err.Error())
		return
	}
	w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	w.Header().Set("Location", "/v2/"+name+"/manifests/"+desc.Digest.String())
	w.WriteHeader(http.StatusCreated)
}

func (r *Registry) handleBlobGet(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	dgst, err := digest.Parse(vars["digest"])
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeDigestInvalid, err.Error())
		return
	}
	r.mu.Lock()
	var raw []byte
	ok := false
	if rs := r.repo(vars["name"], false); rs != nil {
		raw, ok = rs.blobs[dgst]
	}
	if ok && req.Method == http.MethodGet {
		r.fetches++
	}
	r.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errCodeBlobUnknown, "blob unknown to registry")
		return
	}
	writeContent(w, req, ocidist.Descriptor{
		MediaType: ocidist.MediaTypeOctetStream,
		Digest:    dgst,
		Size:      int64(len(raw)),
	}, raw)
}

func (r *Registry) handleUploadStart(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	q := req.URL.Query()
	if mount, from := q.Get("mount"), q.Get("from"); mount != "" && from != "" {
		dgst, err := digest.Parse(mount)
		if err != nil {
			writeError(w, http.StatusBadRequest, errCodeDigestInvalid, err.Error())
			return
		}
		if r.mount(name, dgst, from) {
			w.Header().Set("Docker-Content-Digest", dgst.String())
			w.Header().Set("Location", "/v2/"+name+"/blobs/"+dgst.String())
			w.WriteHeader(http.StatusCreated)
			return
		}
		// Otherwise we fall through to starting a normal upload session,
		// as the distribution API requires.
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.uploads[id] = name
	r.mu.Unlock()
	w.Header().Set("Location", "/v2/"+name+"/blobs/uploads/"+id)
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

func (r *Registry) handleUploadPut(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	name, id := vars["name"], vars["uuid"]
	if !r.takeUpload(name, id) {
		writeError(w, http.StatusNotFound, errCodeBlobUploadUnknown, "upload session unknown")
		return
	}
	dgst, err := digest.Parse(req.URL.Query().Get("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeDigestInvalid, "missing or invalid digest query argument")
		return
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return
	}
	desc := ocidist.Descriptor{
		MediaType: ocidist.MediaTypeOctetStream,
		Digest:    dgst,
		Size:      int64(len(raw)),
	}
	if !ocidist.VerifyDigest(raw, dgst) {
		writeError(w, http.StatusBadRequest, errCodeDigestInvalid, "uploaded content does not match digest")
		return
	}
	r.putBlob(name, desc, raw)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Location", "/v2/"+name+"/blobs/"+dgst.String())
	w.WriteHeader(http.StatusCreated)
}

func (r *Registry) handleUploadCancel(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	if !r.takeUpload(vars["name"], vars["uuid"]) {
		writeError(w, http.StatusNotFound, errCodeBlobUploadUnknown, "upload session unknown")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// takeUpload ends the given upload session, returning false if there was
// no such session for the given repository.
func (r *Registry) takeUpload(name, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploads[id] != name {
		return false
	}
	delete(r.uploads, id)
	return true
}

func writeContent(w http.ResponseWriter, req *http.Request, desc ocidist.Descriptor, raw []byte) {
	w.Header().Set("Content-Type", desc.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	w.Write(raw)
}

type errorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Errors []errorDescriptor `json:"errors"`
	}{
		Errors: []errorDescriptor{{Code: code, Message: message}},
	})
}
