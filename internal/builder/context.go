package builder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moby/go-archive"
)

// Staging layout shared by context staging and the COPY/ADD commands.
const (
	ArchiveName       = "docker-build-ami.tar.gz"
	RemoteArchivePath = "/tmp/" + ArchiveName
	ExtractRoot       = "/tmp/docker-build-ami"
)

// StagePath returns where src lives on the build host once the context has
// been extracted. src is kept verbatim so shell quoting survives.
func StagePath(src string) string {
	return ExtractRoot + "/" + src
}

// ExtractCommand is run once on the build host after the archive upload.
func ExtractCommand() string {
	return fmt.Sprintf("mkdir %s; tar -xzf %s -C %s", ExtractRoot, RemoteArchivePath, ExtractRoot)
}

// ArchiveContext writes a gzipped tarball of every entry below dir to
// <tmpDir>/docker-build-ami.tar.gz and returns its path.
func ArchiveContext(dir, tmpDir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("failed to stat build context: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("build context %s is not a directory", dir)
	}

	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{
		Compression: archive.Gzip,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}
	defer rc.Close()

	archivePath := filepath.Join(tmpDir, ArchiveName)
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create context archive: %w", err)
	}

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write context archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write context archive: %w", err)
	}

	return archivePath, nil
}
