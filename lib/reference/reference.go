// Package reference validates and normalizes OCI image references.
package reference

import (
	"context"
	"strings"

	"github.com/distribution/reference"
)

// NormalizedRef is a validated and normalized OCI image reference. It can be
// either a tagged reference (e.g., "docker.io/library/python:3.9-slim") or a
// digest reference (e.g., "docker.io/library/python@sha256:abc123...").
type NormalizedRef struct {
	raw        string
	repository string
	tag        string // empty if digest ref
	digest     string // empty if tag ref
	isDigest   bool
}

// Parse validates and normalizes a user-provided image reference.
// Examples:
//   - "python" -> "docker.io/library/python:latest"
//   - "python:3.9-slim" -> "docker.io/library/python:3.9-slim"
//   - "python@sha256:abc..." -> "docker.io/library/python@sha256:abc..."
func Parse(s string) (*NormalizedRef, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return nil, err
	}

	ref := &NormalizedRef{
		repository: reference.Domain(named) + "/" + reference.Path(named),
	}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.isDigest = true
		ref.digest = canonical.Digest().String()
		ref.raw = canonical.String()
		return ref, nil
	}

	// Tagged reference - ensure tag (add :latest if missing)
	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	ref.raw = tagged.String()

	return ref, nil
}

// String returns the full normalized reference.
func (r *NormalizedRef) String() string { return r.raw }

// IsDigest returns true if this reference contains a digest (@sha256:...).
func (r *NormalizedRef) IsDigest() bool { return r.isDigest }

// Digest returns the digest if present (e.g., "sha256:abc123...").
// Returns empty string for tagged references.
func (r *NormalizedRef) Digest() string { return r.digest }

// Repository returns the repository path without tag or digest.
// Example: "docker.io/library/python"
func (r *NormalizedRef) Repository() string { return r.repository }

// Tag returns the tag if this is a tagged reference (e.g., "3.9-slim").
// Returns empty string for digest references.
func (r *NormalizedRef) Tag() string { return r.tag }

// Resolver resolves a reference to its authoritative manifest digest.
type Resolver interface {
	ResolveDigest(ctx context.Context, ref string) (string, error)
}

// Resolve returns a ResolvedRef by asking the resolver for the manifest
// digest. For digest references the pinned digest is kept as-is without a
// network round trip.
func (r *NormalizedRef) Resolve(ctx context.Context, resolver Resolver) (*ResolvedRef, error) {
	if r.isDigest {
		return &ResolvedRef{normalized: r, digest: r.digest}, nil
	}
	digest, err := resolver.ResolveDigest(ctx, r.String())
	if err != nil {
		return nil, err
	}
	return &ResolvedRef{normalized: r, digest: digest}, nil
}

// ResolvedRef is a NormalizedRef resolved to the actual manifest digest from
// the registry. The digest is always present.
type ResolvedRef struct {
	normalized *NormalizedRef
	digest     string
}

// String returns the full normalized reference (the original user input format).
func (r *ResolvedRef) String() string { return r.normalized.String() }

// Repository returns the repository path without tag or digest.
func (r *ResolvedRef) Repository() string { return r.normalized.Repository() }

// Tag returns the tag if this was originally a tagged reference.
func (r *ResolvedRef) Tag() string { return r.normalized.Tag() }

// Digest returns the resolved manifest digest (e.g., "sha256:abc123...").
func (r *ResolvedRef) Digest() string { return r.digest }

// DigestHex returns just the hex portion of the digest.
func (r *ResolvedRef) DigestHex() string {
	parts := strings.SplitN(r.digest, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}
