// Package archive implements tar packing and unpacking for bake workspaces:
// extracting uploaded build contexts and base rootfs tars, packing source
// trees into layer tarballs, and converting overlayfs upper directories
// (including whiteouts) into OCI layer format.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	// ErrTooLarge is returned when extracted content exceeds the size limit.
	ErrTooLarge = errors.New("archive content exceeds size limit")
	// ErrInvalidPath is returned when a tar entry has a malicious path.
	ErrInvalidPath = errors.New("invalid archive path")
)

// ExtractTarGz extracts a tar.gz archive to destDir, aborting if the
// extracted content exceeds maxBytes. Returns the total extracted bytes.
func ExtractTarGz(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()
	return ExtractTar(gzr, destDir, maxBytes)
}

// ExtractTar extracts an uncompressed tar stream to destDir.
//
// Safety measures against adversarial archives:
//   - cumulative extracted size tracked, aborts once maxBytes is exceeded
//   - entry paths validated against directory traversal
//   - absolute and escaping symlink targets rejected
//
// Device nodes and fifos are skipped; a bake never needs them outside the
// base image, and base layers are unpacked by the same code.
func ExtractTar(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	tr := tar.NewReader(r)
	var extracted int64

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("read tar header: %w", err)
		}

		target, err := sanitizePath(destDir, header.Name)
		if err != nil {
			return extracted, err
		}

		if extracted+header.Size > maxBytes {
			return extracted, fmt.Errorf("%w: would exceed %d bytes", ErrTooLarge, maxBytes)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)); err != nil {
				return extracted, fmt.Errorf("create dir %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return extracted, fmt.Errorf("create parent dir: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(header.Mode))
			if err != nil {
				return extracted, fmt.Errorf("create file %s: %w", header.Name, err)
			}
			// LimitReader as secondary protection; +1 to detect overflow
			n, err := io.Copy(f, io.LimitReader(tr, maxBytes-extracted+1))
			f.Close()
			if err != nil {
				return extracted, fmt.Errorf("write file %s: %w", header.Name, err)
			}
			extracted += n
			if extracted > maxBytes {
				return extracted, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, maxBytes)
			}

		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				// Absolute symlinks are common in real rootfs tars (e.g.
				// /bin -> /usr/bin). They are safe to create because the
				// link target is only dereferenced inside the chroot, but
				// the link path itself must stay inside destDir.
				if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
					return extracted, fmt.Errorf("create parent dir for symlink: %w", err)
				}
				if err := replaceSymlink(header.Linkname, target); err != nil {
					return extracted, fmt.Errorf("create symlink %s: %w", header.Name, err)
				}
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return extracted, fmt.Errorf("create parent dir for symlink: %w", err)
			}
			if err := replaceSymlink(header.Linkname, target); err != nil {
				return extracted, fmt.Errorf("create symlink %s: %w", header.Name, err)
			}

		case tar.TypeLink:
			linkTarget, err := sanitizePath(destDir, header.Linkname)
			if err != nil {
				return extracted, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return extracted, fmt.Errorf("create parent dir for hardlink: %w", err)
			}
			if err := os.Link(linkTarget, target); err != nil {
				return extracted, fmt.Errorf("create hardlink %s: %w", header.Name, err)
			}

		default:
			// Skip devices, fifos, and other special entries
			continue
		}
	}

	return extracted, nil
}

// replaceSymlink creates a symlink, replacing any existing file at the path.
func replaceSymlink(oldname, newname string) error {
	if err := os.Symlink(oldname, newname); err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}
	if err := os.Remove(newname); err != nil {
		return err
	}
	return os.Symlink(oldname, newname)
}

// sanitizePath validates and returns a safe path within destDir. SecureJoin
// resolves any symlinks already extracted, so an archive cannot write
// through a planted link to escape destDir.
func sanitizePath(destDir, name string) (string, error) {
	name = filepath.Clean(name)

	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %s", ErrInvalidPath, name)
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: path traversal in %s", ErrInvalidPath, name)
	}

	target, err := securejoin.SecureJoin(destDir, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, name, err)
	}
	return target, nil
}
