package ocidist

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// ComputeDigest returns the canonical (SHA-256) digest of the given bytes.
func ComputeDigest(b []byte) digest.Digest {
	return digest.Canonical.FromBytes(b)
}

// VerifyDigest returns true if the given bytes hash to exactly the expected
// digest.
//
// A malformed expected digest, or one using an algorithm we don't support,
// never verifies.
func VerifyDigest(b []byte, expected digest.Digest) bool {
	if expected.Validate() != nil {
		return false
	}
	return expected.Algorithm().FromBytes(b) == expected
}

// ParseDigest parses a string in the "algorithm:encoded" format, returning
// an error if the syntax is invalid or the algorithm is unsupported.
func ParseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("must be a hash algorithm followed by a colon and then the hash result: %w", err)
	}
	return d, nil
}

// NewVerifyingReader wraps the given reader so that it hashes everything
// read through it and checks the result against the given descriptor.
//
// The reader reports a [*DigestMismatchError] instead of [io.EOF] if the
// content read so far doesn't match the descriptor's digest and size, and
// reports the same error early if the underlying reader produces more
// bytes than the descriptor declared. Callers must therefore read until EOF
// before trusting anything they read.
func NewVerifyingReader(r io.Reader, desc Descriptor) io.Reader {
	return &verifyingReader{
		r:        r,
		desc:     desc,
		digester: desc.Digest.Algorithm().Digester(),
	}
}

type verifyingReader struct {
	r        io.Reader
	desc     Descriptor
	digester digest.Digester
	n        int64
	err      error
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	if vr.err != nil {
		return 0, vr.err
	}
	n, err := vr.r.Read(p)
	if n > 0 {
		vr.digester.Hash().Write(p[:n])
		vr.n += int64(n)
		if vr.n > vr.desc.Size {
			vr.err = vr.mismatch()
			return 0, vr.err
		}
	}
	if err == io.EOF {
		if vr.n != vr.desc.Size || vr.digester.Digest() != vr.desc.Digest {
			vr.err = vr.mismatch()
			return n, vr.err
		}
		vr.err = io.EOF
	} else if err != nil {
		vr.err = err
	}
	return n, err
}

func (vr *verifyingReader) mismatch() error {
	return &DigestMismatchError{
		Expected:     vr.desc.Digest,
		Actual:       vr.digester.Digest(),
		ExpectedSize: vr.desc.Size,
		ActualSize:   vr.n,
	}
}
