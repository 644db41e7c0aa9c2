// Package chunkpipe implements the concurrent chunk download pipeline from
// a bounded worker pool draining a FIFO of chunk work
// items, the per-chunk CDN-rotation/retry/verify/rate-limit/write protocol,
// a pooled buffer allocator, and the 5-second sliding-window progress
// tracker. The channel+WaitGroup worker shape is grounded on
// download.Downloader's downloadWorker pool,
// generalized from a single HTTP GET per chunk to the CDN-pool rotation
// and retry protocol this domain requires.
package chunkpipe

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash/adler32"
	"sync"
	"sync/atomic"

	"github.com/gustash/steamdepot/internal/cdnpool"
	"github.com/gustash/steamdepot/internal/coreerr"
	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/ports"
	"github.com/gustash/steamdepot/internal/ratelimit"
	"github.com/gustash/steamdepot/internal/retry"
)

// ResumeTracker is the subset of the resume store the pipeline needs: a
// per-depot checkpoint of which chunks/files are already done.
type ResumeTracker interface {
	ChunkDone(chunkID [20]byte) bool
	MarkChunkDone(chunkID [20]byte, bytes int64)
	MarkFileDone(path string)
}

// noopResume implements ResumeTracker with no persistence, for ManifestOnly
// runs and tests.
type noopResume struct{}

func (noopResume) ChunkDone([20]byte) bool        { return false }
func (noopResume) MarkChunkDone([20]byte, int64)  {}
func (noopResume) MarkFileDone(string)            {}

// NoopResume is the shared no-op ResumeTracker instance.
var NoopResume ResumeTracker = noopResume{}

// TokenCache caches CDN auth tokens per (depot, host), requested once per
// host per depot.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewTokenCache() *TokenCache { return &TokenCache{tokens: make(map[string]string)} }

func tokenKey(depot coremodel.DepotId, host string) string {
	return fmt.Sprintf("%s|%d", host, depot)
}

func (t *TokenCache) get(depot coremodel.DepotId, host string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.tokens[tokenKey(depot, host)]
	return v, ok
}

func (t *TokenCache) set(depot coremodel.DepotId, host, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[tokenKey(depot, host)] = token
}

// GetCached and SetCached expose the same cache to other packages (the
// manifest fetcher in internal/engine shares one TokenCache's shape with
// the chunk pipeline, though each keeps its own instance since manifest and
// chunk fetches authenticate independently from manifest fetches).
func (t *TokenCache) GetCached(depot coremodel.DepotId, host string) (string, bool) {
	return t.get(depot, host)
}

func (t *TokenCache) SetCached(depot coremodel.DepotId, host, token string) {
	t.set(depot, host, token)
}

// Deps bundles the collaborators the pipeline needs for one depot's drain.
type Deps struct {
	Session     ports.SessionPort
	CDN         ports.CdnClient
	Pool        *cdnpool.Pool
	Limiter     *ratelimit.Limiter
	Tokens      *TokenCache
	Resume      ResumeTracker
	UI          ports.UiSink
	RetryPolicy coremodel.RetryPolicy
	AppID       coremodel.AppId
	DepotID     coremodel.DepotId
	Concurrency int
}

// Counters is the depot-local progress accounting the caller reads while
// (or after) Drain runs.
type Counters struct {
	BytesDownloaded int64
	BytesComplete   int64 // bytes satisfied by reuse/skip before the drain
	TotalBytes      int64
	FilesCompleted  int32
	TotalFiles      int32
	Window          *SpeedWindow
}

// Drain processes queue with bounded concurrency end to end:
// resume-skip, buffer acquisition, CDN rotation with
// 403/token handling and broken-connection retry, Adler32+SHA1 verify
// integrity checks, rate limiting, serialized per-file writes, and progress
// events. It returns the first terminal chunk failure, if any; on error or
// cancellation every open file handle is released.
func Drain(ctx context.Context, queue []coremodel.ChunkWorkItem, depotKey coremodel.DepotKey, deps Deps, counters *Counters) error {
	if counters.Window == nil {
		counters.Window = NewSpeedWindow()
	}

	registry := newFileRegistry()
	perFileRemaining := map[string]int{}
	for _, item := range queue {
		perFileRemaining[item.FilePath]++
	}
	for path, n := range perFileRemaining {
		registry.register(path, n)
	}

	bufPool := NewBufferPool()

	items := make(chan coremodel.ChunkWorkItem, len(queue))
	for _, item := range queue {
		items <- item
	}
	close(items)

	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	var (
		wg       sync.WaitGroup
		firstErr atomic.Value // error
	)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range items {
				select {
				case <-cctx.Done():
					return
				default:
				}
				if err := processOne(cctx, item, depotKey, deps, registry, bufPool, counters); err != nil {
					firstErr.CompareAndSwap(nil, err)
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	if v := firstErr.Load(); v != nil {
		registry.closeAll()
		return v.(error)
	}
	if ctx.Err() != nil {
		registry.closeAll()
		return coreerr.New(coreerr.KindCancelled, "chunkpipe.Drain")
	}
	return nil
}

func processOne(ctx context.Context, item coremodel.ChunkWorkItem, depotKey coremodel.DepotKey, deps Deps, registry *fileRegistry, bufPool *BufferPool, counters *Counters) error {
	chunk := item.Chunk

	if deps.Resume != nil && deps.Resume.ChunkDone(chunk.ChunkID) {
		if registry.skipChunk(item.FilePath) {
			atomic.AddInt32(&counters.FilesCompleted, 1)
			deps.Resume.MarkFileDone(item.FilePath)
		}
		return nil
	}

	handle := bufPool.Get(int(chunk.UncompressedLength))
	defer handle.Release()

	schedule := retry.Policy(deps.RetryPolicy)
	var requestedToken bool
	for {
		if err := ctx.Err(); err != nil {
			return coreerr.New(coreerr.KindCancelled, "chunkpipe.processOne")
		}

		conn := deps.Pool.GetConnection()
		token, _ := deps.Tokens.get(deps.DepotID, conn.Server.Host)

		written, err := deps.CDN.DownloadChunk(ctx, deps.DepotID, chunk, conn.Server, handle.Buf, depotKey, conn.Proxy, token)

		if err == nil {
			plain := handle.Buf[:written]
			if uint32(written) == chunk.UncompressedLength &&
				adler32.Checksum(plain) == chunk.Adler32Checksum &&
				sha1.Sum(plain) == chunk.ChunkID {

				deps.Pool.ReturnConnection(conn)

				if deps.Limiter != nil {
					if werr := deps.Limiter.Wait(ctx, written); werr != nil {
						return coreerr.Wrap(coreerr.KindCancelled, "chunkpipe.processOne: rate limit wait", werr)
					}
				}

				closedFile, werr := registry.writeChunk(item.FilePath, int64(chunk.Offset), plain)
				if werr != nil {
					return werr
				}

				atomic.AddInt64(&counters.BytesDownloaded, int64(written))
				counters.Window.Add(int64(written))
				if deps.Resume != nil {
					deps.Resume.MarkChunkDone(chunk.ChunkID, int64(written))
				}
				if closedFile {
					atomic.AddInt32(&counters.FilesCompleted, 1)
					if deps.Resume != nil {
						deps.Resume.MarkFileDone(item.FilePath)
					}
				}
				if deps.UI != nil {
					downloaded := atomic.LoadInt64(&counters.BytesDownloaded)
					speed := counters.Window.Throughput()
					remaining := counters.TotalBytes - counters.BytesComplete - downloaded
					if remaining < 0 {
						remaining = 0
					}
					deps.UI.Progress(coremodel.ProgressEvent{
						BytesDownloaded:        downloaded,
						TotalBytes:             counters.TotalBytes,
						CurrentFile:            item.FilePath,
						FilesCompleted:         int(atomic.LoadInt32(&counters.FilesCompleted)),
						TotalFiles:             int(atomic.LoadInt32(&counters.TotalFiles)),
						SpeedBytesPerSecond:    speed,
						EstimatedTimeRemaining: ETA(remaining, speed),
						CurrentDepotID:         deps.DepotID,
					})
				}
				return nil
			}
			// length/checksum mismatch: treat as a transport error below.
			err = coreerr.New(coreerr.KindChecksumMismatch, "chunkpipe.processOne: chunk failed verification")
		}

		status, isHTTP := httpStatus(err)

		if isHTTP && status == 403 && token == "" && !requestedToken {
			requestedToken = true
			newToken, terr := deps.Session.GetCdnAuthToken(ctx, deps.AppID, deps.DepotID, conn.Server.Host)
			if terr == nil {
				deps.Tokens.set(deps.DepotID, conn.Server.Host, newToken)
			}
			deps.Pool.ReturnConnection(conn)
			continue
		}

		deps.Pool.ReturnBrokenConnection(conn)

		if serr := retry.Wait(ctx, schedule); serr != nil {
			if errors.Is(serr, retry.ErrExhausted) {
				return coreerr.Wrap(coreerr.KindRetryExhausted, "chunkpipe.processOne: chunk retries exhausted", err)
			}
			return coreerr.New(coreerr.KindCancelled, "chunkpipe.processOne")
		}
	}
}

func httpStatus(err error) (int, bool) {
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindHTTPStatus {
		return 0, false
	}
	return ce.HTTPStatus, true
}
