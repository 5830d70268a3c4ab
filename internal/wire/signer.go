package wire

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DefaultSignatureScheme is used when a connection file leaves the scheme empty.
const DefaultSignatureScheme = "hmac-sha256"

var schemes = map[string]func() hash.Hash{
	"hmac-sha256":   sha256.New,
	"hmac-sha224":   sha256.New224,
	"hmac-sha384":   sha512.New384,
	"hmac-sha512":   sha512.New,
	"hmac-sha1":     sha1.New,
	"hmac-md5":      md5.New,
	"hmac-sha3_256": sha3.New256,
	"hmac-sha3_512": sha3.New512,
	"hmac-blake2b": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
}

// Signer computes and checks message signatures for one connection.
// A Signer with an empty key signs with the empty string and accepts any
// signature, which is how Jupyter disables authentication.
type Signer struct {
	scheme  string
	key     []byte
	newHash func() hash.Hash
}

// NewSigner returns a Signer for the given scheme and shared key.
func NewSigner(scheme, key string) (*Signer, error) {
	if scheme == "" {
		scheme = DefaultSignatureScheme
	}
	fn, ok := schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return &Signer{scheme: scheme, key: []byte(key), newHash: fn}, nil
}

// Scheme returns the signature scheme name.
func (s *Signer) Scheme() string { return s.scheme }

// Enabled reports whether messages are actually signed.
func (s *Signer) Enabled() bool { return s != nil && len(s.key) > 0 }

// Sign returns the hex HMAC over the given frames.
func (s *Signer) Sign(frames ...[]byte) string {
	if !s.Enabled() {
		return ""
	}
	mac := hmac.New(s.newHash, s.key)
	for _, f := range frames {
		mac.Write(f)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the frames in constant time.
func (s *Signer) Verify(signature []byte, frames ...[]byte) error {
	if !s.Enabled() {
		return nil
	}
	want := s.Sign(frames...)
	if !hmac.Equal([]byte(want), signature) {
		return ErrInvalidSignature
	}
	return nil
}
