// Package reconciler implements the delta-update file reconciler from
// per-file classification against a previous manifest and
// the on-disk tree, chunk-level reuse validation, staged rewrites, the
// executable bit, and the chunk fetch work queue the chunk pipeline drains.
// It is grounded on update.Delta/update.Updater's old-vs-new comparison
// shape, generalized from whole-file replacement to
// Steam's chunk-level reuse.
//
// Cross-depot deletion assumption: the single-pass
// reverse-order claim this package exposes via Claim is correct only when
// sibling depots sharing one install_dir never legitimately overlap in
// content. Steam does not guarantee this; callers accept that a genuine
// overlap resolves to "later depot wins" rather than a merge.
package reconciler

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/gustash/steamdepot/internal/coreerr"
	"github.com/gustash/steamdepot/internal/coremodel"
)

// Result is the reconciler's output for one depot: the chunk-fetch work
// queue plus enough bookkeeping to drive budget accounting and post-depot
// deletion.
type Result struct {
	WorkQueue     []coremodel.ChunkWorkItem
	BytesComplete int64 // bytes already satisfied by reuse/skip
	BytesTotal    int64 // bytes across every included, non-directory file
	TotalFiles    int
	FilesToDelete []string // absolute paths present only in previous manifest
}

// Claim computes, for each depot plan processed in reverse enumeration
// order (the last element wins ties), the set of paths it may materialize
// into a shared install_dir. Depots with distinct install directories
// never need this — pass nil to Reconcile's allowed set in that case.
func Claim(manifestsByDepot map[coremodel.DepotId]*coremodel.Manifest, order []coremodel.DepotId, filter IncludeFilter) map[coremodel.DepotId]map[string]bool {
	claims := make(map[coremodel.DepotId]map[string]bool, len(order))
	taken := map[string]bool{}
	for i := len(order) - 1; i >= 0; i-- {
		depotID := order[i]
		m := manifestsByDepot[depotID]
		mine := map[string]bool{}
		if m != nil {
			for _, f := range m.Files {
				if f.IsDirectory() || !filter.Included(f.Path) {
					continue
				}
				if taken[f.Path] {
					continue
				}
				taken[f.Path] = true
				mine[f.Path] = true
			}
		}
		claims[depotID] = mine
	}
	return claims
}

// Reconcile diffs target against previous (which may be nil for a fresh
// install) and the on-disk tree rooted at installDir, materializing
// directories, performing in-place chunk reuse, and returning the work
// queue of chunks still needing a live fetch. allowed, if non-nil,
// restricts materialization to that path set (cross-depot file claims).
func Reconcile(depotID coremodel.DepotId, installDir, stagingDir string, target, previous *coremodel.Manifest, filter IncludeFilter, allowed map[string]bool, verifyAll bool) (*Result, error) {
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.KindIO, "reconciler.Reconcile: mkdir install dir", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.KindIO, "reconciler.Reconcile: mkdir staging dir", err)
	}

	res := &Result{}

	for i := range target.Files {
		f := &target.Files[i]
		if !filter.Included(f.Path) {
			continue
		}
		if allowed != nil && !allowed[f.Path] {
			continue
		}

		finalPath := filepath.Join(installDir, filepath.FromSlash(f.Path))

		if f.IsDirectory() {
			if err := os.MkdirAll(finalPath, 0o755); err != nil {
				return nil, coreerr.Wrap(coreerr.KindIO, "reconciler.Reconcile: mkdir", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
			return nil, coreerr.Wrap(coreerr.KindIO, "reconciler.Reconcile: mkdir parent", err)
		}

		res.TotalFiles++
		res.BytesTotal += int64(f.TotalSize)

		var previousFile *coremodel.FileEntry
		if previous != nil {
			previousFile = previous.FileByPath(f.Path)
		}

		_, statErr := os.Stat(finalPath)
		exists := statErr == nil

		switch {
		case !exists:
			if err := classifyNewFile(depotID, finalPath, f, res); err != nil {
				return nil, err
			}
		case previousFile != nil && !verifyAll && previousFile.SHA1Hash == f.SHA1Hash:
			res.BytesComplete += int64(f.TotalSize)
		case previousFile != nil:
			if err := classifyDelta(depotID, finalPath, stagingDir, f, previousFile, res); err != nil {
				return nil, err
			}
		default:
			if err := classifyNoPrevious(depotID, finalPath, f, res); err != nil {
				return nil, err
			}
		}

		if err := applyExecutableBit(finalPath, f, previousFile); err != nil {
			return nil, err
		}
	}

	if previous != nil {
		for i := range previous.Files {
			pf := &previous.Files[i]
			if pf.IsDirectory() || !filter.Included(pf.Path) {
				continue
			}
			if allowed != nil && !allowed[pf.Path] {
				continue
			}
			if target.FileByPath(pf.Path) == nil {
				res.FilesToDelete = append(res.FilesToDelete, filepath.Join(installDir, filepath.FromSlash(pf.Path)))
			}
		}
	}

	return res, nil
}

// classifyNewFile handles the new-file case: create, pre-allocate,
// enqueue every chunk.
func classifyNewFile(depotID coremodel.DepotId, finalPath string, f *coremodel.FileEntry, res *Result) error {
	file, err := os.OpenFile(finalPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyNewFile: create", err)
	}
	if err := file.Truncate(int64(f.TotalSize)); err != nil {
		file.Close()
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyNewFile: set_length", err)
	}
	file.Close()

	for _, c := range f.Chunks {
		res.WorkQueue = append(res.WorkQueue, coremodel.ChunkWorkItem{DepotID: depotID, FilePath: finalPath, File: f, Chunk: c})
	}
	return nil
}

// classifyNoPrevious handles the case with no previous
// manifest entry to reuse from, so every chunk is validated against the
// bytes already on disk at its target offset.
func classifyNoPrevious(depotID coremodel.DepotId, finalPath string, f *coremodel.FileEntry, res *Result) error {
	file, err := os.OpenFile(finalPath, os.O_RDWR, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyNoPrevious: open", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyNoPrevious: stat", err)
	}
	if uint64(info.Size()) != f.TotalSize {
		if err := file.Truncate(int64(f.TotalSize)); err != nil {
			return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyNoPrevious: set_length", err)
		}
	}

	for _, c := range f.Chunks {
		if verifyOnDiskChunk(file, c) {
			res.BytesComplete += int64(c.UncompressedLength)
			continue
		}
		res.WorkQueue = append(res.WorkQueue, coremodel.ChunkWorkItem{DepotID: depotID, FilePath: finalPath, File: f, Chunk: c})
	}
	return nil
}

// classifyDelta handles the delta case: match new chunks against
// the previous manifest's chunks for this same file by chunk_id, validate
// matches against the on-disk bytes, and rewrite via staging when any
// fetch-needed chunks remain.
func classifyDelta(depotID coremodel.DepotId, finalPath, stagingDir string, f, previousFile *coremodel.FileEntry, res *Result) error {
	oldFile, err := os.Open(finalPath)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyDelta: open existing", err)
	}

	prevByID := make(map[[20]byte]coremodel.ChunkEntry, len(previousFile.Chunks))
	for _, c := range previousFile.Chunks {
		prevByID[c.ChunkID] = c
	}

	type copyPlan struct {
		src coremodel.ChunkEntry
		dst coremodel.ChunkEntry
	}
	var copies []copyPlan
	var fetchNeeded []coremodel.ChunkEntry

	for _, c := range f.Chunks {
		old, ok := prevByID[c.ChunkID]
		if !ok {
			fetchNeeded = append(fetchNeeded, c)
			continue
		}
		if !verifyOnDiskChunk(oldFile, old) {
			fetchNeeded = append(fetchNeeded, c)
			continue
		}
		copies = append(copies, copyPlan{src: old, dst: c})
	}
	oldFile.Close()

	if len(fetchNeeded) == 0 && previousFile.SHA1Hash == f.SHA1Hash {
		res.BytesComplete += int64(f.TotalSize)
		return nil
	}

	stagingPath := filepath.Join(stagingDir, uuid.NewString())
	if err := os.Rename(finalPath, stagingPath); err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyDelta: move to staging", err)
	}

	newFile, err := os.OpenFile(finalPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyDelta: create final", err)
	}
	if err := newFile.Truncate(int64(f.TotalSize)); err != nil {
		newFile.Close()
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyDelta: set_length", err)
	}

	stagedFile, err := os.Open(stagingPath)
	if err != nil {
		newFile.Close()
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyDelta: reopen staging", err)
	}

	for _, cp := range copies {
		if err := copyChunk(stagedFile, newFile, cp.src, cp.dst); err != nil {
			stagedFile.Close()
			newFile.Close()
			return err
		}
		res.BytesComplete += int64(cp.dst.UncompressedLength)
	}

	stagedFile.Close()
	newFile.Close()
	if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.classifyDelta: remove staging", err)
	}

	for _, c := range fetchNeeded {
		res.WorkQueue = append(res.WorkQueue, coremodel.ChunkWorkItem{DepotID: depotID, FilePath: finalPath, File: f, Chunk: c})
	}
	return nil
}

// copyChunk reads src.UncompressedLength bytes at src.Offset
// from the old file, verify Adler32 against src's checksum (it must match
// — they share a chunk_id), then write them at dst.Offset in the new file.
func copyChunk(src, dst *os.File, srcChunk, dstChunk coremodel.ChunkEntry) error {
	buf := make([]byte, srcChunk.UncompressedLength)
	if _, err := src.ReadAt(buf, int64(srcChunk.Offset)); err != nil && err != io.EOF {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.copyChunk: read", err)
	}
	if adler32.Checksum(buf) != srcChunk.Adler32Checksum {
		return coreerr.New(coreerr.KindChecksumMismatch, "reconciler.copyChunk: source chunk failed validation")
	}
	if _, err := dst.WriteAt(buf, int64(dstChunk.Offset)); err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.copyChunk: write", err)
	}
	return nil
}

// verifyOnDiskChunk reads the bytes at c.Offset in f and compares their
// Adler32 against c.Adler32Checksum — the validation step shared by cases
// 3 and 4.
func verifyOnDiskChunk(f *os.File, c coremodel.ChunkEntry) bool {
	buf := make([]byte, c.UncompressedLength)
	n, err := f.ReadAt(buf, int64(c.Offset))
	if err != nil && err != io.EOF {
		return false
	}
	if uint32(n) != c.UncompressedLength {
		return false
	}
	return adler32.Checksum(buf) == c.Adler32Checksum
}

// applyExecutableBit implements the executable-bit rule: when
// the executable flag is gained or lost relative to the previous manifest
// (or set on a brand-new file), flip the POSIX user+group+other execute
// bits. No-op on Windows.
func applyExecutableBit(path string, f, previousFile *coremodel.FileEntry) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	wantExec := f.Flags.Has(coremodel.FlagExecutable)
	hadExec := previousFile != nil && previousFile.Flags.Has(coremodel.FlagExecutable)
	if previousFile != nil && wantExec == hadExec {
		return nil
	}
	if previousFile == nil && !wantExec {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.applyExecutableBit: stat", err)
	}
	mode := info.Mode().Perm()
	if wantExec {
		mode |= 0o111
	} else {
		mode &^= 0o111
	}
	if err := os.Chmod(path, mode); err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.applyExecutableBit: chmod", err)
	}
	return nil
}

// VerifyFileHash checks that, after the chunk pipeline has written
// every chunk for f, confirm the final file's length and SHA-1 match the
// manifest entry.
func VerifyFileHash(path string, f *coremodel.FileEntry) error {
	file, err := os.Open(path)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.VerifyFileHash: open", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.VerifyFileHash: stat", err)
	}
	if uint64(info.Size()) != f.TotalSize {
		return coreerr.New(coreerr.KindChecksumMismatch, fmt.Sprintf("reconciler.VerifyFileHash: %s size %d want %d", path, info.Size(), f.TotalSize))
	}

	h := sha1.New()
	if _, err := io.Copy(h, file); err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.VerifyFileHash: read", err)
	}
	var got [20]byte
	copy(got[:], h.Sum(nil))
	if !bytes.Equal(got[:], f.SHA1Hash[:]) {
		return coreerr.New(coreerr.KindChecksumMismatch, fmt.Sprintf("reconciler.VerifyFileHash: %s sha1 mismatch", path))
	}
	return nil
}

// DiskSpaceOK verifies that required bytes are satisfied by free space on
// the drive containing dir.
var diskSpaceMu sync.Mutex

func DiskSpaceOK(dir string, required int64) error {
	diskSpaceMu.Lock()
	defer diskSpaceMu.Unlock()
	available, err := freeSpace(dir)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIO, "reconciler.DiskSpaceOK", err)
	}
	if available < required {
		return coreerr.InsufficientSpace("reconciler.DiskSpaceOK", required, available, dir)
	}
	return nil
}
