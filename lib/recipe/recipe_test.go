package recipe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRecipe(t *testing.T) {
	r := Default()
	require.NoError(t, r.Validate())
	require.Equal(t, "python:3.9-slim", r.Base)
	require.Equal(t, []string{"maven"}, r.Packages)
	require.Equal(t, "/app", r.WorkDir)
	require.Equal(t, "requirements.txt", r.Manifest)
	require.Equal(t, 5000, r.Port)
	require.Equal(t, []string{"python", "src/main/python/main.py"}, r.Command)
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	r, err := Load([]byte("base: debian:bookworm-slim\nport: 8080\n"))
	require.NoError(t, err)
	require.Equal(t, "debian:bookworm-slim", r.Base)
	require.Equal(t, 8080, r.Port)

	// Untouched fields keep their defaults
	require.Equal(t, "/app", r.WorkDir)
	require.Equal(t, "requirements.txt", r.Manifest)
	require.Equal(t, []string{"maven"}, r.Packages)
}

func TestLoadFullRecipe(t *testing.T) {
	yaml := `
base: python:3.12
packages:
  - git
  - curl
workdir: /srv/app
manifest: deps.txt
port: 9000
command: ["python", "serve.py"]
`
	r, err := Load([]byte(yaml))
	require.NoError(t, err)
	require.Equal(t, "python:3.12", r.Base)
	require.Equal(t, []string{"git", "curl"}, r.Packages)
	require.Equal(t, "/srv/app", r.WorkDir)
	require.Equal(t, "deps.txt", r.Manifest)
	require.Equal(t, 9000, r.Port)
	require.Equal(t, []string{"python", "serve.py"}, r.Command)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load([]byte("base: [not a string"))
	require.Error(t, err)
}

func TestValidateRejectsBadBase(t *testing.T) {
	r := Default()
	r.Base = "NOT A VALID REF!!"
	require.ErrorIs(t, r.Validate(), ErrInvalidBase)

	r.Base = ""
	require.ErrorIs(t, r.Validate(), ErrInvalidBase)
}

func TestValidateRejectsRelativeWorkDir(t *testing.T) {
	r := Default()
	r.WorkDir = "app"
	require.ErrorIs(t, r.Validate(), ErrInvalidWorkDir)
}

func TestValidateRejectsBadPort(t *testing.T) {
	r := Default()
	r.Port = 0
	require.ErrorIs(t, r.Validate(), ErrInvalidPort)

	r.Port = 70000
	require.ErrorIs(t, r.Validate(), ErrInvalidPort)
}

func TestValidateRejectsEmptyCommand(t *testing.T) {
	r := Default()
	r.Command = nil
	require.ErrorIs(t, r.Validate(), ErrEmptyCommand)
}

func TestValidateRejectsEmptyManifest(t *testing.T) {
	r := Default()
	r.Manifest = ""
	require.ErrorIs(t, r.Validate(), ErrEmptyManifest)
}

func TestManifestPath(t *testing.T) {
	r := Default()
	require.Equal(t, "/app/requirements.txt", r.ManifestPath())

	r.WorkDir = "/srv"
	r.Manifest = "reqs/dev.txt"
	require.Equal(t, "/srv/reqs/dev.txt", r.ManifestPath())
}
