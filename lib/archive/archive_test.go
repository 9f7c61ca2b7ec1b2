package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTarGz(t *testing.T, entries map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return &buf
}

func TestExtractTarGz(t *testing.T) {
	buf := writeTarGz(t, map[string]string{
		"requirements.txt":        "flask\n",
		"src/main/python/main.py": "print('hi')\n",
	})

	dest := t.TempDir()
	n, err := ExtractTarGz(buf, dest, 1<<20)
	require.NoError(t, err)
	require.Greater(t, n, int64(0))

	data, err := os.ReadFile(filepath.Join(dest, "requirements.txt"))
	require.NoError(t, err)
	require.Equal(t, "flask\n", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "src/main/python/main.py"))
	require.NoError(t, err)
	require.Equal(t, "print('hi')\n", string(data))
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	buf := writeTarGz(t, map[string]string{"../evil.txt": "pwned"})

	_, err := ExtractTarGz(buf, t.TempDir(), 1<<20)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestExtractRejectsAbsolutePath(t *testing.T) {
	buf := writeTarGz(t, map[string]string{"/etc/passwd": "root"})

	_, err := ExtractTarGz(buf, t.TempDir(), 1<<20)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestExtractEnforcesSizeLimit(t *testing.T) {
	big := make([]byte, 4096)
	buf := writeTarGz(t, map[string]string{"big.bin": string(big)})

	_, err := ExtractTarGz(buf, t.TempDir(), 1024)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestExtractSkipsDeviceNodes(t *testing.T) {
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "dev/null",
		Typeflag: tar.TypeChar,
		Mode:     0666,
	}))
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "ok.txt",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     2,
	}))
	_, err := tw.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dest := t.TempDir()
	_, err = ExtractTar(&raw, dest, 1<<20)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, "dev/null"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, "ok.txt"))
	require.NoError(t, err)
}

func TestExtractAllowsAbsoluteSymlinkTargets(t *testing.T) {
	// Real rootfs tars carry absolute symlinks like /bin -> /usr/bin
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "bin",
		Typeflag: tar.TypeSymlink,
		Linkname: "/usr/bin",
	}))
	require.NoError(t, tw.Close())

	dest := t.TempDir()
	_, err := ExtractTar(&raw, dest, 1<<20)
	require.NoError(t, err)

	link, err := os.Readlink(filepath.Join(dest, "bin"))
	require.NoError(t, err)
	require.Equal(t, "/usr/bin", link)
}

func TestPackDirRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "requirements.txt"), []byte("flask\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "src", "main.py"), []byte("print('hi')\n"), 0644))
	require.NoError(t, os.Symlink("requirements.txt", filepath.Join(src, "reqs")))

	var buf bytes.Buffer
	require.NoError(t, PackDir(src, "/app", &buf))

	dest := t.TempDir()
	_, err := ExtractTarGz(&buf, dest, 1<<20)
	require.NoError(t, err)

	// Entries land under the prefix, parent dirs included
	data, err := os.ReadFile(filepath.Join(dest, "app", "requirements.txt"))
	require.NoError(t, err)
	require.Equal(t, "flask\n", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "app", "src", "main.py"))
	require.NoError(t, err)
	require.Equal(t, "print('hi')\n", string(data))

	link, err := os.Readlink(filepath.Join(dest, "app", "reqs"))
	require.NoError(t, err)
	require.Equal(t, "requirements.txt", link)
}

func TestPackUpperPlainFiles(t *testing.T) {
	upper := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(upper, "var", "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(upper, "var", "lib", "state"), []byte("x"), 0644))

	var buf bytes.Buffer
	require.NoError(t, PackUpper(upper, &buf))

	dest := t.TempDir()
	_, err := ExtractTarGz(&buf, dest, 1<<20)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "var", "lib", "state"))
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
}
