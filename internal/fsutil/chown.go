// Package fsutil applies ownership policy to agent working directories.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Owner changes the owner of a single path without following symlinks.
type Owner interface {
	Chown(path string, uid, gid int) error
}

// OSOwner is the Owner backed by the host filesystem.
type OSOwner struct{}

func (OSOwner) Chown(path string, uid, gid int) error {
	return os.Lchown(path, uid, gid)
}

// NopOwner leaves ownership untouched.
type NopOwner struct{}

func (NopOwner) Chown(string, int, int) error { return nil }

// ChownTree applies uid:gid to root and everything below it. It keeps going
// after a failure and returns the first error seen.
func ChownTree(owner Owner, root string, uid, gid int) error {
	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			record(err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := owner.Chown(path, uid, gid); err != nil {
			record(err)
		}
		return nil
	})
	if err != nil {
		record(err)
	}
	return firstErr
}
