package hostabi

import (
	"testing"

	"github.com/fastedge/corewasm/internal/wire"
	"go.uber.org/zap"
)

func TestSetStatusCodeOnceOnly(t *testing.T) {
	p := NewProxy(nil, nil, nil, NodeDescription{}, zap.NewNop(), zap.NewNop())

	if err := p.SetStatusCode(403); err != nil {
		t.Fatalf("first SetStatusCode: %v", err)
	}
	if err := p.SetStatusCode(200); err == nil {
		t.Fatal("expected second SetStatusCode to fail")
	}
	code, ok := p.StatusCode()
	if !ok || code != 403 {
		t.Fatalf("expected status_code to stay at the first assignment, got %d (ok=%v)", code, ok)
	}
}

// TestResolveCachesAcrossCalls verifies a property resolved once is served
// from the per-request cache on every later read, without a second round
// trip.
func TestResolveCachesAcrossCalls(t *testing.T) {
	var calls int
	rr := func(hf wire.HostFunction) (wire.ProxyStatus, []byte, error) {
		calls++
		return wire.StatusOk, []byte("edge-1"), nil
	}
	p := NewProxy(rr, nil, nil, NodeDescription{}, zap.NewNop(), zap.NewNop())

	first, status, err := p.ResolveProperty("fastly.pop")
	if err != nil || status != wire.StatusOk {
		t.Fatalf("resolve: status=%v err=%v", status, err)
	}
	second, status, err := p.ResolveProperty("fastly.pop")
	if err != nil || status != wire.StatusOk {
		t.Fatalf("resolve: status=%v err=%v", status, err)
	}
	if string(first) != string(second) {
		t.Fatalf("cached value diverged: %q vs %q", first, second)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one request/reply round trip, got %d", calls)
	}
}

// TestForwardHeaderFastPath verifies a header answered from AdditionalInfo
// never reaches the request/reply channel.
func TestForwardHeaderFastPath(t *testing.T) {
	calls := 0
	rr := func(hf wire.HostFunction) (wire.ProxyStatus, []byte, error) {
		calls++
		return wire.StatusNotFound, nil, nil
	}
	p := NewProxy(rr, nil, nil, NodeDescription{}, zap.NewNop(), zap.NewNop())
	p.AdditionalInfo = &wire.AdditionalInfo{
		RequestHeaders: []wire.HeaderPair{{Name: []byte("User-Agent"), Value: []byte("curl/8.0")}},
	}

	value, status, err := p.forwardHeader("User-Agent")
	if err != nil || status != wire.StatusOk {
		t.Fatalf("forwardHeader: status=%v err=%v", status, err)
	}
	if string(value) != "curl/8.0" {
		t.Fatalf("expected curl/8.0, got %q", value)
	}
	if calls != 0 {
		t.Fatalf("expected AdditionalInfo fast path to skip the round trip, got %d calls", calls)
	}
}
