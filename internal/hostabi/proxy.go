// Package hostabi implements the Host ABI: the Proxy per-request state and
// the host functions bound into each Wasm instance.
package hostabi

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/fastedge/corewasm/internal/dictionary"
	"github.com/fastedge/corewasm/internal/geoip"
	"github.com/fastedge/corewasm/internal/kvstore"
	"github.com/fastedge/corewasm/internal/secretstore"
	"github.com/fastedge/corewasm/internal/stats"
	"github.com/fastedge/corewasm/internal/uadetect"
	"github.com/fastedge/corewasm/internal/wire"
	"go.uber.org/zap"
)

// RequestReplyFunc sends one HostFunction request to the proxy and blocks
// for its Response, or for the connection server's reply timeout (200ms by
// default), whichever comes first. On timeout it
// returns (StatusOk, nil, nil) — a deliberate swallow-to-empty-bytes
// behavior, not an error. The connection-server layer supplies this
// closure; hostabi never touches the wire directly.
type RequestReplyFunc func(hf wire.HostFunction) (wire.ProxyStatus, []byte, error)

// NodeDescription carries at least a hostname and optional role, shared
// read-only across every request on a connection.
type NodeDescription struct {
	Hostname string
	Role     string // e.g. "edge_shield"
}

const propertyCacheCapacity = 32

// propertyCache is a small per-request, capacity-bounded cache keyed by
// property path. Eviction is FIFO over insertion order: once full, the
// path inserted first is dropped. A cache hit does not move an entry, and
// rewriting an already-cached path keeps its original position.
type propertyCache struct {
	values map[string][]byte
	order  []string
}

func newPropertyCache() *propertyCache {
	return &propertyCache{values: make(map[string][]byte, propertyCacheCapacity)}
}

func (c *propertyCache) get(path string) ([]byte, bool) {
	v, ok := c.values[path]
	return v, ok
}

func (c *propertyCache) put(path string, value []byte) {
	if _, exists := c.values[path]; exists {
		c.values[path] = value
		return
	}
	if len(c.order) >= propertyCacheCapacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.values, oldest)
	}
	c.values[path] = value
	c.order = append(c.order, path)
}

// Proxy is the per-request host state owned exclusively by one Wasm
// instance for the duration of one handler call. It is destroyed at
// handler end, which is what makes the property cache's
// never-stale-across-requests invariant trivially true: there is no
// cross-request structure to go stale.
type Proxy struct {
	mu sync.Mutex

	requestReply RequestReplyFunc

	statusCodeSet bool
	statusCode    int32

	props *propertyCache

	Geo   geoip.Lookup
	Stats *stats.Row
	Node  NodeDescription

	AdditionalInfo *wire.AdditionalInfo

	Dictionaries *dictionary.Registry
	Secrets      *secretstore.Registry
	KV           *kvstore.Registry
	UA           *uadetect.Detector

	Log *zap.Logger // operational log
	ABI *zap.Logger // ABI trace log, Debug level
}

// NewProxy constructs a fresh per-request Proxy.
func NewProxy(rr RequestReplyFunc, geo geoip.Lookup, row *stats.Row, node NodeDescription, log, abi *zap.Logger) *Proxy {
	return &Proxy{
		requestReply: rr,
		props:        newPropertyCache(),
		Geo:          geo,
		Stats:        row,
		Node:         node,
		Log:          log,
		ABI:          abi,
	}
}

// SetStatusCode implements proxy_send_local_response's single-assignment
// slot. A second call is a fatal internal failure: a handler is only ever
// allowed to produce one local response.
func (p *Proxy) SetStatusCode(code int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusCodeSet {
		return fmt.Errorf("hostabi: status_code already set to %d", p.statusCode)
	}
	p.statusCodeSet = true
	p.statusCode = code
	return nil
}

// StatusCode returns the locally produced response status, if any.
func (p *Proxy) StatusCode() (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCode, p.statusCodeSet
}

// RequestReply performs one request/reply round trip through the bound
// RequestReplyFunc. The ordering invariant (at most one Response per
// RequestId) is maintained entirely by the connection-server's correlator,
// not here.
func (p *Proxy) RequestReply(hf wire.HostFunction) (wire.ProxyStatus, []byte, error) {
	if p.requestReply == nil {
		return wire.StatusInternalFailure, nil, fmt.Errorf("hostabi: no request/reply channel bound")
	}
	return p.requestReply(hf)
}

// cachedProperty returns a cache hit, if any.
func (p *Proxy) cachedProperty(path string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props.get(path)
}

// cacheProperty records a resolved property for subsequent reads within
// this request.
func (p *Proxy) cacheProperty(path string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props.put(path, value)
}

// requestRealIP resolves request.x_real_ip recursively through the
// resolver (it may itself be AdditionalInfo-cached or proxy-forwarded) and
// parses it as an IP; ParseFailure on a malformed address.
func (p *Proxy) requestRealIP() (netip.Addr, wire.ProxyStatus, error) {
	raw, status, err := p.ResolveProperty("request.x_real_ip")
	if err != nil || status != wire.StatusOk {
		return netip.Addr{}, status, err
	}
	if len(raw) == 0 {
		return netip.Addr{}, wire.StatusEmpty, nil
	}
	addr, parseErr := netip.ParseAddr(string(raw))
	if parseErr != nil {
		return netip.Addr{}, wire.StatusParseFailure, nil
	}
	return addr, wire.StatusOk, nil
}

// now is not read anywhere in this package; the host functions call
// time.Now directly, so overriding it has no effect.
var now = time.Now
