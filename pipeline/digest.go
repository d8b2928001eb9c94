package pipeline

import "strings"

const digestPrefix = "sha256:"

// Digest represents a content digest in "algorithm:hex" format (e.g., "sha256:abcdef...").
type Digest string

// NewDigest creates a Digest from a raw hex string, prefixing "sha256:".
func NewDigest(hex string) Digest {
	return Digest(digestPrefix + strings.ToLower(hex))
}

// Hex returns the hex portion of the digest, stripping the algorithm prefix.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), digestPrefix)
}

// String returns the full digest string including the algorithm prefix.
func (d Digest) String() string {
	return string(d)
}

// Matches compares against a published checksum, which may or may not carry
// the algorithm prefix and may use either case.
func (d Digest) Matches(published string) bool {
	published = strings.TrimSpace(published)
	if len(published) >= len(digestPrefix) && strings.EqualFold(published[:len(digestPrefix)], digestPrefix) {
		published = published[len(digestPrefix):]
	}
	return d.Hex() != "" && d.Hex() == NewDigest(published).Hex()
}
