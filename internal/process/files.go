package process

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// WorkerFileExt is the extension of files loaded into the worker.
const WorkerFileExt = ".lua"

// FindWorkerFiles returns the slash-separated paths, relative to root, of
// all worker source files below root in walk order. Directories whose name
// starts with a dot are skipped.
func FindWorkerFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(d.Name()) != WorkerFileExt {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
