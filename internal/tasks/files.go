package tasks

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileOutsidePackage is returned when a requested file path escapes the
// deployment's package folder.
var ErrFileOutsidePackage = errors.New("file path escapes package folder")

// PackageFiles enumerates the files of a deployment package recursively,
// returning paths relative to the package folder. A missing folder yields
// an empty manifest rather than an error: agents skip missing files.
func PackageFiles(baseDir, packageFolder string) []string {
	root := filepath.Join(baseDir, packageFolder)

	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files
}

// ResolvePackageFile maps a client-supplied relative path to an absolute
// path inside the package folder, rejecting traversal outside it.
func ResolvePackageFile(baseDir, packageFolder, relPath string) (string, error) {
	root := filepath.Join(baseDir, packageFolder)
	full := filepath.Join(root, filepath.FromSlash(relPath))

	cleanRoot := filepath.Clean(root) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(full)+string(os.PathSeparator), cleanRoot) {
		return "", ErrFileOutsidePackage
	}
	return full, nil
}
