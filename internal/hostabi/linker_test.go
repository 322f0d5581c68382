package hostabi

import (
	"testing"

	"github.com/fastedge/corewasm/internal/dictionary"
	"github.com/fastedge/corewasm/internal/wire"
	"go.uber.org/zap"
)

// bumpAllocator hands out sequential offsets into buf, the way a module's
// malloc export would, without needing a real wasmtime instance.
func bumpAllocator(buf []byte, next *int32) Allocator {
	return func(size int32) (int32, error) {
		offset := *next
		*next += size
		return offset, nil
	}
}

func newTestInstance(rr RequestReplyFunc) (*Instance, *int32) {
	proxy := NewProxy(rr, nil, nil, NodeDescription{}, zap.NewNop(), zap.NewNop())
	buf := make([]byte, 4096)
	var next int32 = 2048 // leave room below for out-pointers
	return &Instance{
		Proxy:  proxy,
		Memory: &Memory{MemorySlice: ByteMemory(buf)},
		Alloc:  bumpAllocator(buf, &next),
	}, &next
}

// TestProxyLogRoundTrip verifies a log call reads the message out of linear
// memory and forwards it as an HFLog request/reply.
func TestProxyLogRoundTrip(t *testing.T) {
	var gotOp wire.HostFunctionKind
	var gotMsg []byte
	rr := func(hf wire.HostFunction) (wire.ProxyStatus, []byte, error) {
		gotOp = hf.Op
		gotMsg = hf.Value
		return wire.StatusOk, nil, nil
	}
	inst, _ := newTestInstance(rr)

	msg := []byte("request accepted")
	if err := inst.Memory.WriteBytes(msg, 0); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	status := inst.proxyLog(2, 0, int32(len(msg)))
	if wire.ProxyStatus(status) != wire.StatusOk {
		t.Fatalf("proxyLog status = %d", status)
	}
	if gotOp != wire.HFLog {
		t.Fatalf("expected HFLog, got %v", gotOp)
	}
	if string(gotMsg) != "request accepted" {
		t.Fatalf("expected forwarded message, got %q", gotMsg)
	}
}

// TestGetHeaderMapPairsFastPath verifies request headers already present in
// AdditionalInfo are served without a HostFunction round trip.
func TestGetHeaderMapPairsFastPath(t *testing.T) {
	calls := 0
	rr := func(hf wire.HostFunction) (wire.ProxyStatus, []byte, error) {
		calls++
		return wire.StatusInternalFailure, nil, nil
	}
	inst, _ := newTestInstance(rr)
	inst.Proxy.AdditionalInfo = &wire.AdditionalInfo{
		RequestHeaders: []wire.HeaderPair{
			{Name: []byte(":path"), Value: []byte("/asset")},
			{Name: []byte("host"), Value: []byte("example.com")},
		},
	}

	status := inst.proxyGetHeaderMapPairs(int32(wire.MapHttpRequestHeaders), 8, 16)
	if wire.ProxyStatus(status) != wire.StatusOk {
		t.Fatalf("proxyGetHeaderMapPairs status = %d", status)
	}
	if calls != 0 {
		t.Fatalf("expected AdditionalInfo fast path, got %d HostFunction calls", calls)
	}

	dataOffset, err := inst.Memory.ReadUint32(8)
	if err != nil {
		t.Fatalf("read out data ptr: %v", err)
	}
	dataSize, err := inst.Memory.ReadUint32(16)
	if err != nil {
		t.Fatalf("read out size ptr: %v", err)
	}
	encoded, err := inst.Memory.ReadBytes(int64(dataOffset), int(dataSize))
	if err != nil {
		t.Fatalf("read encoded pairs: %v", err)
	}
	pairs, err := wire.DeserializeList(encoded)
	if err != nil {
		t.Fatalf("deserialize pairs: %v", err)
	}
	if len(pairs) != 4 || string(pairs[0]) != ":path" || string(pairs[1]) != "/asset" {
		t.Fatalf("unexpected header pairs: %v", pairs)
	}
}

// TestDictionaryInjectionAddsHeaderOnce verifies a value read from the
// app's dictionary and injected as a request header produces exactly one
// AddMapValue HostFunction call.
func TestDictionaryInjectionAddsHeaderOnce(t *testing.T) {
	var addCalls int
	rr := func(hf wire.HostFunction) (wire.ProxyStatus, []byte, error) {
		if hf.Op == wire.HFAddMapValue {
			addCalls++
		}
		return wire.StatusOk, nil, nil
	}
	inst, _ := newTestInstance(rr)
	inst.Proxy.AdditionalInfo = &wire.AdditionalInfo{}

	reg := &dictionary.Registry{}
	reg.Add(dictionary.FromMap("env", map[string]string{"upstream-pool": "us-east"}))
	inst.Proxy.Dictionaries = reg

	key := []byte("upstream-pool")
	if err := inst.Memory.WriteBytes(key, 0); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	status := inst.proxyDictionaryGet(0, int32(len(key)), 32, 40)
	if wire.ProxyStatus(status) != wire.StatusOk {
		t.Fatalf("proxyDictionaryGet status = %d", status)
	}
	valOffset, _ := inst.Memory.ReadUint32(32)
	valSize, _ := inst.Memory.ReadUint32(40)
	value, err := inst.Memory.ReadBytes(int64(valOffset), int(valSize))
	if err != nil {
		t.Fatalf("read dictionary value: %v", err)
	}
	if string(value) != "us-east" {
		t.Fatalf("expected us-east, got %q", value)
	}

	headerKey := []byte("x-upstream-pool")
	if err := inst.Memory.WriteBytes(headerKey, 100); err != nil {
		t.Fatalf("seed header key: %v", err)
	}
	if err := inst.Memory.WriteBytes(value, 200); err != nil {
		t.Fatalf("seed header value: %v", err)
	}
	status = inst.proxyAddHeaderMapValue(int32(wire.MapHttpRequestHeaders), 100, int32(len(headerKey)), 200, int32(len(value)))
	if wire.ProxyStatus(status) != wire.StatusOk {
		t.Fatalf("proxyAddHeaderMapValue status = %d", status)
	}
	if addCalls != 1 {
		t.Fatalf("expected exactly one AddMapValue call, got %d", addCalls)
	}
	if len(inst.Proxy.AdditionalInfo.RequestHeaders) != 1 {
		t.Fatalf("expected AdditionalInfo to reflect the injected header, got %+v", inst.Proxy.AdditionalInfo.RequestHeaders)
	}
}
