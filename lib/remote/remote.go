// Package remote is the upstream-registry client: it resolves references to
// manifest digests, fetches base images, and pushes built images.
package remote

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Client talks to container registries for a single platform.
type Client struct {
	platform v1.Platform
	opts     []remote.Option
}

// NewClient creates a registry client pinned to linux/<host arch>, using the
// ambient Docker credential keychain for private registries.
func NewClient() *Client {
	return &Client{
		platform: v1.Platform{OS: "linux", Architecture: runtime.GOARCH},
		opts:     []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)},
	}
}

// ResolveDigest returns the manifest digest for a reference without pulling
// the image. For multi-arch references this is the index digest.
func (c *Client) ResolveDigest(ctx context.Context, ref string) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}

	desc, err := remote.Head(parsed, append(c.opts, remote.WithContext(ctx))...)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	return desc.Digest.String(), nil
}

// FetchImage pulls the image manifest, config, and layer metadata for the
// reference. Layer content is fetched lazily when the layers are read.
func (c *Client) FetchImage(ctx context.Context, ref string) (v1.Image, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", ref, err)
	}

	img, err := remote.Image(parsed,
		append(c.opts, remote.WithContext(ctx), remote.WithPlatform(c.platform))...)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", ref, err)
	}
	return img, nil
}

// Push uploads an image to the reference's registry.
func (c *Client) Push(ctx context.Context, ref string, img v1.Image) error {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return fmt.Errorf("parse reference %q: %w", ref, err)
	}

	if err := remote.Write(parsed, img, append(c.opts, remote.WithContext(ctx))...); err != nil {
		return fmt.Errorf("push %q: %w", ref, err)
	}
	return nil
}
