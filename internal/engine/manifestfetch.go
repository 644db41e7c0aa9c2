package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gustash/steamdepot/internal/cdnpool"
	"github.com/gustash/steamdepot/internal/chunkpipe"
	"github.com/gustash/steamdepot/internal/coreerr"
	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/manifeststore"
	"github.com/gustash/steamdepot/internal/ports"
	"github.com/gustash/steamdepot/internal/retry"
)

func httpStatusOf(err error) (int, bool) {
	var ce *coreerr.Error
	if !errors.As(err, &ce) || ce.Kind != coreerr.KindHTTPStatus {
		return 0, false
	}
	return ce.HTTPStatus, true
}

// resolveManifest implements the load protocol: consult the
// cache first (memory, then disk sidecar-verified), falling back to a live
// CDN fetch through pool only on a clean miss.
func resolveManifest(ctx context.Context, session ports.SessionPort, cdn ports.CdnClient, store *manifeststore.Store, pool *cdnpool.Pool, tokens *chunkpipe.TokenCache, policy coremodel.RetryPolicy, depot coremodel.DepotPlan, branch string, depotKey coremodel.DepotKey) (*coremodel.Manifest, error) {
	if m, ok, err := store.LoadCached(depot.DepotID, depot.ManifestID, depotKey); err != nil {
		return nil, err
	} else if ok {
		return m, nil
	}
	return fetchManifestLive(ctx, session, cdn, store, pool, tokens, policy, depot, branch, depotKey)
}

// fetchManifestLive implements the CDN-rotation/retry protocol
// for a manifest fetch: per attempt, a fresh request code (forced to refresh
// after the first attempt), a pool connection, a 403-then-token
// retry without burning an attempt, and broken-connection rotation with
// exponential backoff otherwise.
func fetchManifestLive(ctx context.Context, session ports.SessionPort, cdn ports.CdnClient, store *manifeststore.Store, pool *cdnpool.Pool, tokens *chunkpipe.TokenCache, policy coremodel.RetryPolicy, depot coremodel.DepotPlan, branch string, depotKey coremodel.DepotKey) (*coremodel.Manifest, error) {
	schedule := retry.Policy(policy)
	var attempt int
	var requestedToken bool
	for {
		if err := ctx.Err(); err != nil {
			return nil, coreerr.New(coreerr.KindCancelled, "engine.fetchManifestLive")
		}

		code, err := store.RequestCode(ctx, depot.DepotID, depot.ContainingAppID, depot.ManifestID, branch, attempt > 0)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindAuthRequired, "engine.fetchManifestLive: request code", err)
		}
		if code == 0 {
			return nil, coreerr.New(coreerr.KindNotFound, fmt.Sprintf("engine.fetchManifestLive: manifest %d for depot %d no longer available", depot.ManifestID, depot.DepotID))
		}

		conn := pool.GetConnection()
		token, _ := tokens.GetCached(depot.DepotID, conn.Server.Host)

		m, derr := cdn.DownloadManifest(ctx, depot.DepotID, depot.ManifestID, code, conn.Server, depotKey, conn.Proxy, token)
		if derr == nil {
			pool.ReturnConnection(conn)
			if err := store.PutDecoded(depot.DepotID, depot.ManifestID, m); err != nil {
				return nil, coreerr.Wrap(coreerr.KindIO, "engine.fetchManifestLive: cache manifest", err)
			}
			return m, nil
		}

		status, isHTTP := httpStatusOf(derr)
		if isHTTP && status == 403 && token == "" && !requestedToken {
			requestedToken = true
			newToken, terr := session.GetCdnAuthToken(ctx, depot.ContainingAppID, depot.DepotID, conn.Server.Host)
			if terr == nil {
				tokens.SetCached(depot.DepotID, conn.Server.Host, newToken)
			}
			pool.ReturnConnection(conn)
			continue
		}
		if isHTTP && (status == 401 || status == 404 || status == 403) {
			// 404 and repeated auth failures are terminal for this depot.
			pool.ReturnBrokenConnection(conn)
			return nil, derr
		}

		pool.ReturnBrokenConnection(conn)
		attempt++
		if serr := retry.Wait(ctx, schedule); serr != nil {
			if errors.Is(serr, retry.ErrExhausted) {
				return nil, coreerr.Wrap(coreerr.KindRetryExhausted, "engine.fetchManifestLive: retries exhausted", derr)
			}
			return nil, coreerr.New(coreerr.KindCancelled, "engine.fetchManifestLive")
		}
	}
}
