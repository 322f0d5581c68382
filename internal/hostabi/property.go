package hostabi

import (
	"fmt"
	"strconv"

	"github.com/fastedge/corewasm/internal/wire"
)

var geoDerivedProperties = map[string]bool{
	"request.country":      true,
	"request.country_name": true,
	"request.city":         true,
	"request.region":       true,
	"request.continent":    true,
	"request.asn":          true,
	"request.geo_lat":      true,
	"request.geo_long":     true,
}

// ResolveProperty implements proxy_get_property's layered algorithm:
//  1. per-request cache hit
//  2. geo-derived properties, via request.x_real_ip
//  3. composed request.uri
//  4. request.scheme via X-Forwarded-Proto
//  5. request.host via X-CDN-Real-Host (+ edge_shield prefix, + proxy fallback)
//  6. request.useragent_os / request.useragent_browser via the User-Agent
//     header and the uap-go detector
//  7. otherwise forward to the proxy as GetProperty, caching the answer
func (p *Proxy) ResolveProperty(path string) ([]byte, wire.ProxyStatus, error) {
	if v, ok := p.cachedProperty(path); ok {
		return v, wire.StatusOk, nil
	}

	var (
		value  []byte
		status wire.ProxyStatus
		err    error
	)

	switch {
	case geoDerivedProperties[path]:
		value, status, err = p.resolveGeoDerived(path)
	case path == "request.uri":
		value, status, err = p.resolveURI()
	case path == "request.scheme":
		value, status, err = p.forwardHeader("X-Forwarded-Proto")
	case path == "request.host":
		value, status, err = p.resolveHost()
	case path == "request.useragent_os" || path == "request.useragent_browser":
		value, status, err = p.resolveUserAgent(path)
	default:
		value, status, err = p.forwardProperty(path)
	}

	if err == nil && status == wire.StatusOk {
		p.cacheProperty(path, value)
	}
	return value, status, err
}

func (p *Proxy) resolveGeoDerived(path string) ([]byte, wire.ProxyStatus, error) {
	addr, status, err := p.requestRealIP()
	if err != nil || status != wire.StatusOk {
		return nil, status, err
	}
	if p.Geo == nil {
		return []byte{}, wire.StatusOk, nil
	}
	rec, found, geoErr := p.Geo.Lookup(addr)
	if geoErr != nil {
		return nil, wire.StatusInternalFailure, geoErr
	}
	if !found {
		return []byte{}, wire.StatusOk, nil
	}
	switch path {
	case "request.country":
		return []byte(rec.CountryCode), wire.StatusOk, nil
	case "request.country_name":
		return []byte(rec.CountryName), wire.StatusOk, nil
	case "request.city":
		return []byte(rec.City), wire.StatusOk, nil
	case "request.region":
		return []byte(rec.Region), wire.StatusOk, nil
	case "request.continent":
		return []byte(rec.Continent), wire.StatusOk, nil
	case "request.asn":
		return []byte(strconv.Itoa(rec.ASN)), wire.StatusOk, nil
	case "request.geo_lat":
		return []byte(strconv.FormatFloat(rec.Latitude, 'f', -1, 64)), wire.StatusOk, nil
	case "request.geo_long":
		return []byte(strconv.FormatFloat(rec.Longitude, 'f', -1, 64)), wire.StatusOk, nil
	default:
		return nil, wire.StatusInternalFailure, fmt.Errorf("hostabi: unreachable geo property %q", path)
	}
}

// resolveUserAgent classifies the request's User-Agent header via uap-go
// without a dedicated proxy command: the header is read through
// forwardHeader, from AdditionalInfo when present, else by a proxy round
// trip.
func (p *Proxy) resolveUserAgent(path string) ([]byte, wire.ProxyStatus, error) {
	ua, status, err := p.forwardHeader("User-Agent")
	if err != nil || status != wire.StatusOk {
		return nil, status, err
	}
	if p.UA == nil {
		return []byte{}, wire.StatusOk, nil
	}
	result, ok := p.UA.Parse(string(ua))
	if !ok {
		return []byte{}, wire.StatusOk, nil
	}
	switch path {
	case "request.useragent_os":
		return []byte(result.OSFamily), wire.StatusOk, nil
	case "request.useragent_browser":
		return []byte(result.BrowserFamily), wire.StatusOk, nil
	default:
		return nil, wire.StatusInternalFailure, fmt.Errorf("hostabi: unreachable useragent property %q", path)
	}
}

func (p *Proxy) resolveURI() ([]byte, wire.ProxyStatus, error) {
	scheme, status, err := p.ResolveProperty("request.scheme")
	if err != nil || status != wire.StatusOk {
		return nil, status, err
	}
	host, status, err := p.ResolveProperty("request.host")
	if err != nil || status != wire.StatusOk {
		return nil, status, err
	}
	path, status, err := p.ResolveProperty("request.path")
	if err != nil || status != wire.StatusOk {
		return nil, status, err
	}
	return []byte(fmt.Sprintf("%s://%s%s", scheme, host, path)), wire.StatusOk, nil
}

func (p *Proxy) resolveHost() ([]byte, wire.ProxyStatus, error) {
	value, status, err := p.forwardHeader("X-CDN-Real-Host")
	if err != nil {
		return nil, status, err
	}
	if status == wire.StatusOk && p.Node.Role == "edge_shield" && len(value) > 0 {
		value = append([]byte("shield_"), value...)
	}
	if len(value) == 0 {
		return p.forwardProperty("request.host")
	}
	return value, wire.StatusOk, nil
}

// forwardHeader answers a request-header read by consulting AdditionalInfo
// first, falling back to a proxy round-trip only when the header is not
// present in the cached bundle.
func (p *Proxy) forwardHeader(name string) ([]byte, wire.ProxyStatus, error) {
	if p.AdditionalInfo != nil {
		for _, h := range p.AdditionalInfo.RequestHeaders {
			if string(h.Name) == name {
				return h.Value, wire.StatusOk, nil
			}
		}
	}
	status, value, err := p.RequestReply(wire.HostFunction{
		Op:   wire.HFGetProperty,
		Path: []byte("request.header." + name),
	})
	if err != nil {
		return nil, wire.StatusInternalFailure, err
	}
	return value, status, nil
}

// forwardProperty answers a GetProperty command for a path not handled by
// any of the resolver's special cases: AdditionalInfo's bound properties
// first, a proxy round trip otherwise.
func (p *Proxy) forwardProperty(path string) ([]byte, wire.ProxyStatus, error) {
	if p.AdditionalInfo != nil {
		if v, ok := p.AdditionalInfo.Properties[path]; ok {
			return v, wire.StatusOk, nil
		}
	}
	status, value, err := p.RequestReply(wire.HostFunction{
		Op:   wire.HFGetProperty,
		Path: []byte(path),
	})
	if err != nil {
		return nil, wire.StatusInternalFailure, err
	}
	return value, status, nil
}
