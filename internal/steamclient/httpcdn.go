// Package steamclient provides the external collaborators cmd/steamdepot
// wires into internal/engine.CoreContext: an HTTP-based ports.CdnClient
// that speaks the real Steam CDN URL scheme, and a fixture-backed
// ports.SessionPort for offline demos and integration tests. Session here is
// explicitly NOT a reimplementation of Steam's authenticated networking
// protocol (the core treats that as an external dependency it only
// consumes through ports.SessionPort); it is a swappable stand-in that reads
// its answers from a JSON fixture on disk.
//
// HTTPCdnClient applies no transport tuning of its own; it uses whatever
// *http.Client it is given.
package steamclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/gustash/steamdepot/internal/coreerr"
	"github.com/gustash/steamdepot/internal/coremodel"
	"github.com/gustash/steamdepot/internal/wireformat"
)

// HTTPCdnClient fetches manifests and chunks from Steam content servers over
// plain HTTPS GET, the way every public Steam CDN has served depot content
// since the v2 manifest format: /depot/{depotid}/manifest/{manifestid}/5 and
// /depot/{depotid}/chunk/{sha1hex}.
type HTTPCdnClient struct {
	client *http.Client
}

// NewHTTPCdnClient wraps client for manifest and chunk fetches;
// cmd/steamdepot passes a plain *http.Client with a 60-second timeout.
func NewHTTPCdnClient(client *http.Client) *HTTPCdnClient {
	return &HTTPCdnClient{client: client}
}

func serverBaseURL(server coremodel.CdnServer, proxy *coremodel.CdnServer) string {
	host := server.Host
	if proxy != nil {
		host = proxy.Host
	}
	return fmt.Sprintf("https://%s", host)
}

func (c *HTTPCdnClient) get(ctx context.Context, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("steamclient: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, coreerr.HTTPStatusError("steamclient.get", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// DownloadManifest implements ports.CdnClient.
func (c *HTTPCdnClient) DownloadManifest(ctx context.Context, depotID coremodel.DepotId, manifestID coremodel.ManifestId, requestCode uint64, server coremodel.CdnServer, depotKey coremodel.DepotKey, proxy *coremodel.CdnServer, token string) (*coremodel.Manifest, error) {
	url := fmt.Sprintf("%s/depot/%d/manifest/%d/5", serverBaseURL(server, proxy), depotID, manifestID)
	if requestCode != 0 {
		url = fmt.Sprintf("%s/%d", url, requestCode)
	}
	raw, err := c.get(ctx, url, token)
	if err != nil {
		return nil, err
	}
	return wireformat.DecodeManifest(raw, depotID, manifestID, depotKey)
}

// DownloadChunk implements ports.CdnClient.
func (c *HTTPCdnClient) DownloadChunk(ctx context.Context, depotID coremodel.DepotId, chunk coremodel.ChunkEntry, server coremodel.CdnServer, dst []byte, depotKey coremodel.DepotKey, proxy *coremodel.CdnServer, token string) (int, error) {
	url := fmt.Sprintf("%s/depot/%d/chunk/%s", serverBaseURL(server, proxy), depotID, hex.EncodeToString(chunk.ChunkID[:]))
	raw, err := c.get(ctx, url, token)
	if err != nil {
		return 0, err
	}
	plain, err := wireformat.DecodeChunk(raw, depotKey, chunk)
	if err != nil {
		return 0, err
	}
	return copy(dst, plain), nil
}
