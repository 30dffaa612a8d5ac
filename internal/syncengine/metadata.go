package syncengine

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"clipsync/internal/chunkio"
	"clipsync/internal/registry"
)

// buildFileInfos expands paths (files or directories) into an ordered
// list of FileInfo plus the absolute source path for every resulting
// file_index, computing size and whole-file MD5 per file. Grounded on
// original_source's directory-announce expansion (SPEC_FULL §5): nested
// directories are walked recursively and RelativePath is preserved
// relative to the directory argument's own parent, so the top-level
// folder name survives on the receiving side.
func buildFileInfos(paths []string) ([]registry.FileInfo, map[int]string, error) {
	var files []registry.FileInfo
	sourcePaths := make(map[int]string)
	index := 0

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, nil, NewTransferError(KindFileNotFound, "", "", -1, p).Wrap(err)
		}

		if !info.IsDir() {
			md5sum, err := chunkio.WholeFileMD5(p)
			if err != nil {
				return nil, nil, NewTransferError(KindIO, "", "", index, p).Wrap(err)
			}
			files = append(files, registry.FileInfo{
				Name:         filepath.Base(p),
				Size:         info.Size(),
				ChecksumMD5:  md5sum,
				IsDirectory:  false,
				RelativePath: filepath.Base(p),
				FileIndex:    index,
			})
			sourcePaths[index] = p
			index++
			continue
		}

		entries, err := walkDirectory(p)
		if err != nil {
			return nil, nil, NewTransferError(KindIO, "", "", -1, p).Wrap(err)
		}
		expanded, expandedPaths, err := registry.ExpandDirectory(p, index, func(string) ([]registry.FileEntry, error) {
			return entries, nil
		})
		if err != nil {
			return nil, nil, err
		}
		files = append(files, expanded...)
		for idx, path := range expandedPaths {
			sourcePaths[idx] = path
		}
		index += len(expanded)
	}

	return files, sourcePaths, nil
}

// walkDirectory lists every regular file under root, computing its size,
// MD5, and a relative path prefixed with root's own base name (so
// "photos/a.jpg" survives under a transferred "photos/" directory).
func walkDirectory(root string) ([]registry.FileEntry, error) {
	rootBase := filepath.Base(root)
	var entries []registry.FileEntry

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("syncengine: relative path for %s: %w", path, err)
		}
		md5sum, err := chunkio.WholeFileMD5(path)
		if err != nil {
			return fmt.Errorf("syncengine: hash %s: %w", path, err)
		}
		entries = append(entries, registry.FileEntry{
			AbsPath:      path,
			RelativePath: filepath.Join(rootBase, rel),
			Size:         info.Size(),
			ChecksumMD5:  md5sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// checkMaxFileSize enforces spec §6's per-file size ceiling, rejecting the
// whole batch if any single file exceeds limit.
func checkMaxFileSize(files []registry.FileInfo, limit int64) error {
	for _, f := range files {
		if f.IsDirectory {
			continue
		}
		if f.Size > limit {
			return NewTransferError(KindSizeLimit, "", "", f.FileIndex,
				fmt.Sprintf("%s exceeds max_file_size", f.Name)).Wrap(ErrSizeLimit)
		}
	}
	return nil
}

func totalSize(files []registry.FileInfo) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// combinedChecksum hashes the ordered list of per-file checksums into a
// single value, used as the loop-suppression key for a files send.
func combinedChecksum(files []registry.FileInfo) string {
	h := md5.New()
	for _, f := range files {
		h.Write([]byte(f.ChecksumMD5))
	}
	return hex.EncodeToString(h.Sum(nil))
}
