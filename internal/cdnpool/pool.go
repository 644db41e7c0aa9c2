// Package cdnpool implements the CDN server pool:
// ordering, round-robin connection handout, and penalty accounting shared
// with the persisted account settings (internal/statestore).
//
// The connection-reuse HTTP transport tuning (idle conns per host, forced
// HTTP/2) follows download.createOptimizedClient.
package cdnpool

import (
	"net/http"
	"sort"
	"sync"

	"github.com/gustash/steamdepot/internal/coreerr"
	"github.com/gustash/steamdepot/internal/coremodel"
)

// PenaltyStore is the subset of internal/statestore.SettingsStore the pool
// needs: a persisted host -> penalty map shared with account settings.
type PenaltyStore interface {
	Penalty(host string) uint32
	SetPenalty(host string, value uint32)
	DecayAll(amount uint32)
}

// Connection is a handed-out slot naming the server (and, if any, the
// proxy) to use for one manifest or chunk fetch.
type Connection struct {
	Server coremodel.CdnServer
	Proxy  *coremodel.CdnServer
}

// Pool hands out CDN connections in round-robin order weighted by
// num_entries, tracks per-host penalties, and rotates away from hosts that
// report broken connections.
type Pool struct {
	mu       sync.Mutex
	rotation []coremodel.CdnServer
	next     int
	proxy    *coremodel.CdnServer
	penalty  PenaltyStore
	client   *http.Client
}

// New builds a Pool from the session's server list: eligible
// content servers (SteamCache/CDN allowed for this app) are sorted by
// (penalty asc, weighted_load asc) and expanded num_entries times into the
// round-robin array; at most one Proxy server is kept aside.
func New(servers []coremodel.CdnServer, app coremodel.AppId, penalty PenaltyStore, maxConcurrency int) (*Pool, error) {
	penalty.DecayAll(coremodel.PenaltyDecay)

	var eligible []coremodel.CdnServer
	var proxy *coremodel.CdnServer
	for _, s := range servers {
		if s.Type == coremodel.CdnServerProxy {
			if proxy == nil {
				p := s
				proxy = &p
			}
			continue
		}
		if !s.AllowsApp(app) {
			continue
		}
		eligible = append(eligible, s)
	}

	if len(eligible) == 0 {
		return nil, coreerr.New(coreerr.KindNoServers, "cdnpool.New")
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := penalty.Penalty(eligible[i].Host), penalty.Penalty(eligible[j].Host)
		if pi != pj {
			return pi < pj
		}
		return eligible[i].WeightedLoad < eligible[j].WeightedLoad
	})

	var rotation []coremodel.CdnServer
	for _, s := range eligible {
		entries := s.NumEntries
		if entries <= 0 {
			entries = 1
		}
		for i := 0; i < entries; i++ {
			rotation = append(rotation, s)
		}
	}

	return &Pool{
		rotation: rotation,
		proxy:    proxy,
		penalty:  penalty,
		client:   newOptimizedClient(maxConcurrency),
	}, nil
}

// newOptimizedClient tunes transport for many small parallel chunk
// requests, following download.createOptimizedClient's tuning.
func newOptimizedClient(maxConcurrency int) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: maxConcurrency,
			DisableCompression:  true,
			ForceAttemptHTTP2:   true,
		},
	}
}

// HTTPClient returns the pool's shared, connection-reuse-tuned client.
func (p *Pool) HTTPClient() *http.Client { return p.client }

// GetConnection hands out the next server in round-robin order.
func (p *Pool) GetConnection() Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.rotation[p.next%len(p.rotation)]
	p.next++
	return Connection{Server: s, Proxy: p.proxy}
}

// ReturnConnection records a success: penalty decreases by PenaltyDecrement,
// floored at zero.
func (p *Pool) ReturnConnection(c Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.penalty.Penalty(c.Server.Host)
	next := int(cur) - coremodel.PenaltyDecrement
	if next < 0 {
		next = 0
	}
	p.penalty.SetPenalty(c.Server.Host, uint32(next))
}

// ReturnBrokenConnection records a failure: the round-robin cursor advances
// past this server and its penalty increases by PenaltyIncrement, capped at
// MaxPenalty.
func (p *Pool) ReturnBrokenConnection(c Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++

	cur := p.penalty.Penalty(c.Server.Host)
	next := int(cur) + coremodel.PenaltyIncrement
	if next > coremodel.MaxPenalty {
		next = coremodel.MaxPenalty
	}
	p.penalty.SetPenalty(c.Server.Host, uint32(next))
}
