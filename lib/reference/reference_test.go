package reference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const testDigest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

type staticResolver struct {
	digest string
	err    error
}

func (r staticResolver) ResolveDigest(ctx context.Context, ref string) (string, error) {
	return r.digest, r.err
}

func TestParseAddsDefaultsToBareName(t *testing.T) {
	ref, err := Parse("python")
	require.NoError(t, err)
	require.Equal(t, "docker.io/library/python:latest", ref.String())
	require.Equal(t, "docker.io/library/python", ref.Repository())
	require.Equal(t, "latest", ref.Tag())
	require.False(t, ref.IsDigest())
}

func TestParseTaggedReference(t *testing.T) {
	ref, err := Parse("python:3.9-slim")
	require.NoError(t, err)
	require.Equal(t, "docker.io/library/python:3.9-slim", ref.String())
	require.Equal(t, "3.9-slim", ref.Tag())
	require.Empty(t, ref.Digest())
}

func TestParseDigestReference(t *testing.T) {
	ref, err := Parse("python@" + testDigest)
	require.NoError(t, err)
	require.True(t, ref.IsDigest())
	require.Equal(t, testDigest, ref.Digest())
	require.Empty(t, ref.Tag())
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse("NOT VALID!!")
	require.Error(t, err)
}

func TestResolveTaggedRefAsksResolver(t *testing.T) {
	ref, err := Parse("python:3.9-slim")
	require.NoError(t, err)

	resolved, err := ref.Resolve(context.Background(), staticResolver{digest: testDigest})
	require.NoError(t, err)
	require.Equal(t, testDigest, resolved.Digest())
	require.Equal(t, "docker.io/library/python:3.9-slim", resolved.String())
	require.Equal(t, "3.9-slim", resolved.Tag())
}

func TestResolveDigestRefSkipsResolver(t *testing.T) {
	ref, err := Parse("python@" + testDigest)
	require.NoError(t, err)

	// A resolver that always fails proves no round trip happens
	resolved, err := ref.Resolve(context.Background(), staticResolver{err: errors.New("network down")})
	require.NoError(t, err)
	require.Equal(t, testDigest, resolved.Digest())
}

func TestResolveErrorPropagates(t *testing.T) {
	ref, err := Parse("python:3.9-slim")
	require.NoError(t, err)

	_, err = ref.Resolve(context.Background(), staticResolver{err: errors.New("registry unreachable")})
	require.Error(t, err)
}

func TestDigestHex(t *testing.T) {
	ref, err := Parse("python@" + testDigest)
	require.NoError(t, err)

	resolved, err := ref.Resolve(context.Background(), staticResolver{})
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", resolved.DigestHex())
}
