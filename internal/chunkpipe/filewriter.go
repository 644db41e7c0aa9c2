package chunkpipe

import (
	"os"
	"sync"

	"github.com/gustash/steamdepot/internal/coreerr"
)

// fileState tracks one target file's lazily-opened handle, outstanding
// chunk count, and write serialization (concurrent writes to one file
// are serialized by a per-file mutex).
type fileState struct {
	mu          sync.Mutex
	file        *os.File
	outstanding int
}

// fileRegistry hands out fileState values by path and removes them once
// their outstanding-chunk counter reaches zero, so a long-running drain
// doesn't accumulate closed-file entries forever.
type fileRegistry struct {
	mu    sync.Mutex
	files map[string]*fileState
}

func newFileRegistry() *fileRegistry {
	return &fileRegistry{files: make(map[string]*fileState)}
}

// register declares that count more chunks will be written to path before
// it is considered complete; called once up front with the total chunk
// count so the final writer knows to close the handle.
func (r *fileRegistry) register(path string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.files[path]
	if !ok {
		st = &fileState{}
		r.files[path] = st
	}
	st.outstanding += count
}

// writeChunk opens path for writing on first use, writes exactly len(data)
// bytes at offset under the file's mutex, and closes the handle once every
// registered chunk for that file has landed.
func (r *fileRegistry) writeChunk(path string, offset int64, data []byte) (closed bool, err error) {
	r.mu.Lock()
	st := r.files[path]
	r.mu.Unlock()
	if st == nil {
		return false, coreerr.New(coreerr.KindIO, "chunkpipe.writeChunk: file not registered: "+path)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.file == nil {
		f, openErr := os.OpenFile(path, os.O_WRONLY, 0o644)
		if openErr != nil {
			return false, coreerr.Wrap(coreerr.KindIO, "chunkpipe.writeChunk: open", openErr)
		}
		st.file = f
	}

	if _, werr := st.file.WriteAt(data, offset); werr != nil {
		return false, coreerr.Wrap(coreerr.KindIO, "chunkpipe.writeChunk: write", werr)
	}

	st.outstanding--
	if st.outstanding <= 0 {
		cerr := st.file.Close()
		st.file = nil
		r.mu.Lock()
		delete(r.files, path)
		r.mu.Unlock()
		if cerr != nil {
			return true, coreerr.Wrap(coreerr.KindIO, "chunkpipe.writeChunk: close", cerr)
		}
		return true, nil
	}
	return false, nil
}

// skipChunk accounts for a chunk that needs no write (already complete per
// the resume store), closing the handle if it was the file's last
// outstanding chunk. Returns true when the file is now complete.
func (r *fileRegistry) skipChunk(path string) (closed bool) {
	r.mu.Lock()
	st := r.files[path]
	r.mu.Unlock()
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.outstanding--
	if st.outstanding > 0 {
		return false
	}
	if st.file != nil {
		st.file.Close()
		st.file = nil
	}
	r.mu.Lock()
	delete(r.files, path)
	r.mu.Unlock()
	return true
}

// closeAll force-closes every still-open handle; used on cancellation so no
// file descriptor is leaked (every file handle is released).
func (r *fileRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, st := range r.files {
		st.mu.Lock()
		if st.file != nil {
			st.file.Close()
			st.file = nil
		}
		st.mu.Unlock()
		delete(r.files, path)
	}
}
