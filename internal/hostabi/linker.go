package hostabi

import (
	"fmt"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v37"
	"github.com/fastedge/corewasm/internal/kvstore"
	"github.com/fastedge/corewasm/internal/wire"
	"go.uber.org/zap"
)

// safeWrapN wraps a fixed-arity host function with panic recovery, working
// around a host function panicking inside a *wasmtime.Caller call: a
// recovered panic becomes wire.StatusInternalFailure instead of unwinding
// across the wasmtime C ABI boundary.

func safeWrap1(log *zap.Logger, name string, fn func(int32) int32) func(*wasmtime.Caller, int32) int32 {
	return func(_ *wasmtime.Caller, a int32) (ret int32) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host function", zap.String("fn", name), zap.Any("recover", r))
				ret = int32(wire.StatusInternalFailure)
			}
		}()
		return fn(a)
	}
}

func safeWrap2(log *zap.Logger, name string, fn func(int32, int32) int32) func(*wasmtime.Caller, int32, int32) int32 {
	return func(_ *wasmtime.Caller, a, b int32) (ret int32) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host function", zap.String("fn", name), zap.Any("recover", r))
				ret = int32(wire.StatusInternalFailure)
			}
		}()
		return fn(a, b)
	}
}

func safeWrap3(log *zap.Logger, name string, fn func(int32, int32, int32) int32) func(*wasmtime.Caller, int32, int32, int32) int32 {
	return func(_ *wasmtime.Caller, a, b, c int32) (ret int32) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host function", zap.String("fn", name), zap.Any("recover", r))
				ret = int32(wire.StatusInternalFailure)
			}
		}()
		return fn(a, b, c)
	}
}

func safeWrap4(log *zap.Logger, name string, fn func(int32, int32, int32, int32) int32) func(*wasmtime.Caller, int32, int32, int32, int32) int32 {
	return func(_ *wasmtime.Caller, a, b, c, d int32) (ret int32) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host function", zap.String("fn", name), zap.Any("recover", r))
				ret = int32(wire.StatusInternalFailure)
			}
		}()
		return fn(a, b, c, d)
	}
}

func safeWrap5(log *zap.Logger, name string, fn func(int32, int32, int32, int32, int32) int32) func(*wasmtime.Caller, int32, int32, int32, int32, int32) int32 {
	return func(_ *wasmtime.Caller, a, b, c, d, e int32) (ret int32) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host function", zap.String("fn", name), zap.Any("recover", r))
				ret = int32(wire.StatusInternalFailure)
			}
		}()
		return fn(a, b, c, d, e)
	}
}

func safeWrap6(log *zap.Logger, name string, fn func(int32, int32, int32, int32, int32, int32) int32) func(*wasmtime.Caller, int32, int32, int32, int32, int32, int32) int32 {
	return func(_ *wasmtime.Caller, a, b, c, d, e, f int32) (ret int32) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host function", zap.String("fn", name), zap.Any("recover", r))
				ret = int32(wire.StatusInternalFailure)
			}
		}()
		return fn(a, b, c, d, e, f)
	}
}

func safeWrap7(log *zap.Logger, name string, fn func(int32, int32, int32, int32, int32, int32, int32) int32) func(*wasmtime.Caller, int32, int32, int32, int32, int32, int32, int32) int32 {
	return func(_ *wasmtime.Caller, a, b, c, d, e, f, g int32) (ret int32) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host function", zap.String("fn", name), zap.Any("recover", r))
				ret = int32(wire.StatusInternalFailure)
			}
		}()
		return fn(a, b, c, d, e, f, g)
	}
}

func safeWrap8(log *zap.Logger, name string, fn func(int32, int32, int32, int32, int32, int32, int32, int32) int32) func(*wasmtime.Caller, int32, int32, int32, int32, int32, int32, int32, int32) int32 {
	return func(_ *wasmtime.Caller, a, b, c, d, e, f, g, h int32) (ret int32) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in host function", zap.String("fn", name), zap.Any("recover", r))
				ret = int32(wire.StatusInternalFailure)
			}
		}()
		return fn(a, b, c, d, e, f, g, h)
	}
}

// Instance bundles the per-request Proxy host state with the bounds-checked
// memory view and allocator needed to implement the ABI's variable-sized
// return convention.
type Instance struct {
	Proxy     *Proxy
	Memory    *Memory
	Alloc     Allocator
	KVHandles kvstore.Handles
}

// Link binds every proxy-wasm ABI function under the "env" namespace that
// an instance's imports require.
func (i *Instance) Link(linker *wasmtime.Linker) error {
	log := i.Proxy.ABI

	bind := func(name string, f interface{}) error {
		return linker.FuncWrap("env", name, f)
	}

	must := func(name string, f interface{}) {
		if err := bind(name, f); err != nil {
			panic(fmt.Sprintf("hostabi: failed to bind env.%s: %v", name, err))
		}
	}

	must("proxy_log", safeWrap3(log, "proxy_log", i.proxyLog))
	must("proxy_get_current_time_nanoseconds", safeWrap1(log, "proxy_get_current_time_nanoseconds", i.proxyGetCurrentTimeNanoseconds))
	must("proxy_set_tick_period_milliseconds", safeWrap1(log, "proxy_set_tick_period_milliseconds", unimplemented1))

	must("proxy_get_buffer_bytes", safeWrap5(log, "proxy_get_buffer_bytes", i.proxyGetBufferBytes))
	must("proxy_set_buffer_bytes", safeWrap5(log, "proxy_set_buffer_bytes", i.proxySetBufferBytes))

	must("proxy_get_header_map_pairs", safeWrap3(log, "proxy_get_header_map_pairs", i.proxyGetHeaderMapPairs))
	must("proxy_set_header_map_pairs", safeWrap3(log, "proxy_set_header_map_pairs", i.proxySetHeaderMapPairs))
	must("proxy_get_header_map_value", safeWrap6(log, "proxy_get_header_map_value", i.proxyGetHeaderMapValue))
	must("proxy_add_header_map_value", safeWrap5(log, "proxy_add_header_map_value", i.proxyAddHeaderMapValue))
	must("proxy_replace_header_map_value", safeWrap5(log, "proxy_replace_header_map_value", i.proxyReplaceHeaderMapValue))
	must("proxy_remove_header_map_value", safeWrap3(log, "proxy_remove_header_map_value", i.proxyRemoveHeaderMapValue))

	must("proxy_get_property", safeWrap4(log, "proxy_get_property", i.proxyGetProperty))
	must("proxy_set_property", safeWrap4(log, "proxy_set_property", i.proxySetProperty))

	must("proxy_send_local_response", safeWrap8(log, "proxy_send_local_response", i.proxySendLocalResponse))

	must("proxy_get_secret", safeWrap4(log, "proxy_get_secret", i.proxyGetSecret))
	must("proxy_get_effective_at_secret", safeWrap5(log, "proxy_get_effective_at_secret", i.proxyGetEffectiveAtSecret))
	must("proxy_secret_get", safeWrap4(log, "proxy_secret_get", i.proxyGetSecret))
	must("proxy_secret_get_effective_at", safeWrap5(log, "proxy_secret_get_effective_at", i.proxyGetEffectiveAtSecret))

	must("proxy_dictionary_get", safeWrap4(log, "proxy_dictionary_get", i.proxyDictionaryGet))

	must("proxy_kv_store_open", safeWrap3(log, "proxy_kv_store_open", i.proxyKvStoreOpen))
	must("proxy_kv_store_get", safeWrap5(log, "proxy_kv_store_get", i.proxyKvStoreGet))
	must("proxy_kv_store_zrange_by_score", safeWrap7(log, "proxy_kv_store_zrange_by_score", i.proxyKvStoreZRangeByScore))
	must("proxy_kv_store_zscan", safeWrap7(log, "proxy_kv_store_zscan", i.proxyKvStoreZScan))
	must("proxy_kv_store_scan", safeWrap5(log, "proxy_kv_store_scan", i.proxyKvStoreScan))
	must("proxy_kv_store_bf_exists", safeWrap6(log, "proxy_kv_store_bf_exists", i.proxyKvStoreBfExists))

	must("stats_set_user_diag", safeWrap2(log, "stats_set_user_diag", i.statsSetUserDiag))

	for _, name := range unimplementedStubs {
		must(name, safeWrap1(log, name, unimplemented1))
	}
	must("proxy_done", safeWrap1(log, "proxy_done", func(int32) int32 { return 0 }))

	return nil
}

// unimplementedStubs are surfaced at the ABI but semantically stubbed —
// shared-data and shared-queue calls have no host-side backing store; every
// call returns StatusUnimplemented (12).
var unimplementedStubs = []string{
	"proxy_get_shared_data", "proxy_set_shared_data",
	"proxy_register_shared_queue", "proxy_resolve_shared_queue",
	"proxy_dequeue_shared_queue", "proxy_enqueue_shared_queue",
	"proxy_continue_stream", "proxy_close_stream",
	"proxy_http_call",
	"proxy_grpc_call", "proxy_grpc_stream", "proxy_grpc_send", "proxy_grpc_cancel", "proxy_grpc_close",
	"proxy_get_status", "proxy_set_effective_context", "proxy_call_foreign_function",
}

func unimplemented1(int32) int32 { return int32(wire.StatusUnimplemented) }

func (i *Instance) proxyLog(level, msgPtr, msgSize int32) int32 {
	msg, err := i.Memory.ReadBytes(int64(msgPtr), int(msgSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	i.Proxy.ABI.Debug("proxy_log", zap.Int32("level", level), zap.ByteString("msg", msg))
	status, _, err := i.Proxy.RequestReply(wire.HostFunction{Op: wire.HFLog, Value: msg, StatusCode: level})
	if err != nil {
		return int32(wire.StatusInternalFailure)
	}
	return int32(status)
}

func (i *Instance) proxyGetCurrentTimeNanoseconds(outPtr int32) int32 {
	nanos := time.Now().UnixNano()
	if nanos < 0 {
		return int32(wire.StatusInternalFailure)
	}
	if err := i.Memory.PutUint64(uint64(nanos), int64(outPtr)); err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func supportedBuffer(bt wire.BufferType) bool {
	return bt == wire.BufferHttpRequestBody || bt == wire.BufferHttpResponseBody
}

func (i *Instance) proxyGetBufferBytes(bufferType, offset, maxSize, outDataPtr, outSizePtr int32) int32 {
	bt := wire.BufferType(bufferType)
	if !supportedBuffer(bt) {
		return int32(wire.StatusUnimplemented)
	}
	status, data, err := i.Proxy.RequestReply(wire.HostFunction{
		Op: wire.HFGetBufferBytes, BufferType: bt, Offset: offset, MaxSize: maxSize,
	})
	if err != nil {
		return int32(wire.StatusInternalFailure)
	}
	if status != wire.StatusOk {
		return int32(status)
	}
	if int32(len(data)) > maxSize {
		data = data[:maxSize]
	}
	if err := i.Memory.WriteOut(i.Alloc, data, outDataPtr, outSizePtr); err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func (i *Instance) proxySetBufferBytes(bufferType, offset, maxSize, dataPtr, dataSize int32) int32 {
	bt := wire.BufferType(bufferType)
	if !supportedBuffer(bt) {
		return int32(wire.StatusUnimplemented)
	}
	data, err := i.Memory.ReadBytes(int64(dataPtr), int(dataSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	status, _, err := i.Proxy.RequestReply(wire.HostFunction{
		Op: wire.HFSetBufferBytes, BufferType: bt, Offset: offset, MaxSize: maxSize, Value: data,
	})
	if err != nil {
		return int32(wire.StatusInternalFailure)
	}
	return int32(status)
}

func supportedMap(mt wire.MapType) bool {
	return mt == wire.MapHttpRequestHeaders || mt == wire.MapHttpResponseHeaders
}

func (i *Instance) proxyGetHeaderMapPairs(mapType, outDataPtr, outSizePtr int32) int32 {
	mt := wire.MapType(mapType)
	if !supportedMap(mt) {
		return int32(wire.StatusUnimplemented)
	}
	// Fast path: answer from AdditionalInfo without a round trip (scenario
	// seed 7) when the request's headers are cached locally.
	if mt == wire.MapHttpRequestHeaders && i.Proxy.AdditionalInfo != nil {
		elements := make([][]byte, 0, 2*len(i.Proxy.AdditionalInfo.RequestHeaders))
		for _, h := range i.Proxy.AdditionalInfo.RequestHeaders {
			elements = append(elements, h.Name, h.Value)
		}
		data := wire.SerializeList(elements)
		if err := i.Memory.WriteOut(i.Alloc, data, outDataPtr, outSizePtr); err != nil {
			return int32(wire.StatusInvalidMemoryAccess)
		}
		return int32(wire.StatusOk)
	}
	status, data, err := i.Proxy.RequestReply(wire.HostFunction{Op: wire.HFGetMapPairs, MapType: mt})
	if err != nil {
		return int32(wire.StatusInternalFailure)
	}
	if status != wire.StatusOk {
		return int32(status)
	}
	if err := i.Memory.WriteOut(i.Alloc, data, outDataPtr, outSizePtr); err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func (i *Instance) proxySetHeaderMapPairs(mapType, dataPtr, dataSize int32) int32 {
	mt := wire.MapType(mapType)
	if !supportedMap(mt) {
		return int32(wire.StatusUnimplemented)
	}
	data, err := i.Memory.ReadBytes(int64(dataPtr), int(dataSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	status, _, err := i.Proxy.RequestReply(wire.HostFunction{Op: wire.HFSetMapPairs, MapType: mt, Value: data})
	if err != nil {
		return int32(wire.StatusInternalFailure)
	}
	if status == wire.StatusOk && mt == wire.MapHttpRequestHeaders && i.Proxy.AdditionalInfo != nil {
		if pairs, perr := wire.DeserializeList(data); perr == nil {
			headers := make([]wire.HeaderPair, 0, len(pairs)/2)
			for idx := 0; idx+1 < len(pairs); idx += 2 {
				headers = append(headers, wire.HeaderPair{Name: pairs[idx], Value: pairs[idx+1]})
			}
			i.Proxy.AdditionalInfo.RequestHeaders = headers
		}
	}
	return int32(status)
}

func (i *Instance) proxyGetHeaderMapValue(mapType, keyPtr, keySize, outDataPtr, outSizePtr, _unused int32) int32 {
	mt := wire.MapType(mapType)
	if !supportedMap(mt) {
		return int32(wire.StatusUnimplemented)
	}
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	if mt == wire.MapHttpRequestHeaders && i.Proxy.AdditionalInfo != nil {
		for _, h := range i.Proxy.AdditionalInfo.RequestHeaders {
			if string(h.Name) == string(key) {
				if werr := i.Memory.WriteOut(i.Alloc, h.Value, outDataPtr, outSizePtr); werr != nil {
					return int32(wire.StatusInvalidMemoryAccess)
				}
				return int32(wire.StatusOk)
			}
		}
	}
	status, data, err := i.Proxy.RequestReply(wire.HostFunction{Op: wire.HFGetMapValue, MapType: mt, Key: key})
	if err != nil {
		return int32(wire.StatusInternalFailure)
	}
	if status != wire.StatusOk {
		return int32(status)
	}
	if err := i.Memory.WriteOut(i.Alloc, data, outDataPtr, outSizePtr); err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func (i *Instance) headerMutate(op wire.HostFunctionKind, mapType, keyPtr, keySize, valuePtr, valueSize int32) int32 {
	mt := wire.MapType(mapType)
	if !supportedMap(mt) {
		return int32(wire.StatusUnimplemented)
	}
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	value, err := i.Memory.ReadBytes(int64(valuePtr), int(valueSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	status, _, err := i.Proxy.RequestReply(wire.HostFunction{Op: op, MapType: mt, Key: key, Value: value})
	if err != nil {
		return int32(wire.StatusInternalFailure)
	}
	if status == wire.StatusOk && mt == wire.MapHttpRequestHeaders && i.Proxy.AdditionalInfo != nil {
		i.mutateAdditionalInfo(op, key, value)
	}
	return int32(status)
}

func (i *Instance) mutateAdditionalInfo(op wire.HostFunctionKind, key, value []byte) {
	ai := i.Proxy.AdditionalInfo
	switch op {
	case wire.HFAddMapValue:
		ai.RequestHeaders = append(ai.RequestHeaders, wire.HeaderPair{Name: key, Value: value})
	case wire.HFReplaceMapValue:
		for idx, h := range ai.RequestHeaders {
			if string(h.Name) == string(key) {
				ai.RequestHeaders[idx].Value = value
				return
			}
		}
		ai.RequestHeaders = append(ai.RequestHeaders, wire.HeaderPair{Name: key, Value: value})
	}
}

func (i *Instance) proxyAddHeaderMapValue(mapType, keyPtr, keySize, valuePtr, valueSize int32) int32 {
	return i.headerMutate(wire.HFAddMapValue, mapType, keyPtr, keySize, valuePtr, valueSize)
}

func (i *Instance) proxyReplaceHeaderMapValue(mapType, keyPtr, keySize, valuePtr, valueSize int32) int32 {
	return i.headerMutate(wire.HFReplaceMapValue, mapType, keyPtr, keySize, valuePtr, valueSize)
}

func (i *Instance) proxyRemoveHeaderMapValue(mapType, keyPtr, keySize int32) int32 {
	mt := wire.MapType(mapType)
	if !supportedMap(mt) {
		return int32(wire.StatusUnimplemented)
	}
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	status, _, err := i.Proxy.RequestReply(wire.HostFunction{Op: wire.HFRemoveMapValue, MapType: mt, Key: key})
	if err != nil {
		return int32(wire.StatusInternalFailure)
	}
	if status == wire.StatusOk && mt == wire.MapHttpRequestHeaders && i.Proxy.AdditionalInfo != nil {
		ai := i.Proxy.AdditionalInfo
		kept := ai.RequestHeaders[:0]
		for _, h := range ai.RequestHeaders {
			if string(h.Name) != string(key) {
				kept = append(kept, h)
			}
		}
		ai.RequestHeaders = kept
	}
	return int32(status)
}

func (i *Instance) proxyGetProperty(pathPtr, pathSize, outDataPtr, outSizePtr int32) int32 {
	path, err := i.Memory.ReadBytes(int64(pathPtr), int(pathSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	value, status, rerr := i.Proxy.ResolveProperty(string(path))
	if rerr != nil {
		return int32(wire.StatusInternalFailure)
	}
	if status != wire.StatusOk {
		return int32(status)
	}
	if err := i.Memory.WriteOut(i.Alloc, value, outDataPtr, outSizePtr); err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func (i *Instance) proxySetProperty(pathPtr, pathSize, dataPtr, dataSize int32) int32 {
	path, err := i.Memory.ReadBytes(int64(pathPtr), int(pathSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	data, err := i.Memory.ReadBytes(int64(dataPtr), int(dataSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	status, _, rerr := i.Proxy.RequestReply(wire.HostFunction{Op: wire.HFSetProperty, Path: path, Value: data})
	if rerr != nil {
		return int32(wire.StatusInternalFailure)
	}
	return int32(status)
}

func (i *Instance) proxySendLocalResponse(statusCode, detailsPtr, detailsSize, bodyPtr, bodySize, headersPtr, headersSize, grpcStatus int32) int32 {
	if err := i.Proxy.SetStatusCode(statusCode); err != nil {
		return int32(wire.StatusInternalFailure)
	}
	details, err := i.Memory.ReadBytes(int64(detailsPtr), int(detailsSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	body, err := i.Memory.ReadBytes(int64(bodyPtr), int(bodySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	headers, err := i.Memory.ReadBytes(int64(headersPtr), int(headersSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	status, _, rerr := i.Proxy.RequestReply(wire.HostFunction{
		Op: wire.HFSendLocalResponse, StatusCode: statusCode, Details: details,
		Body: body, Headers: headers, GrpcStatus: grpcStatus,
	})
	if rerr != nil {
		return int32(wire.StatusInternalFailure)
	}
	return int32(status)
}

func (i *Instance) proxyGetSecret(keyPtr, keySize, outDataPtr, outSizePtr int32) int32 {
	return i.getSecret(keyPtr, keySize, outDataPtr, outSizePtr, nil)
}

func (i *Instance) proxyGetEffectiveAtSecret(keyPtr, keySize, atUnixSecs, outDataPtr, outSizePtr int32) int32 {
	at := time.Unix(int64(atUnixSecs), 0)
	return i.getSecret(keyPtr, keySize, outDataPtr, outSizePtr, &at)
}

func (i *Instance) getSecret(keyPtr, keySize, outDataPtr, outSizePtr int32, at *time.Time) int32 {
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	if i.Proxy.Secrets == nil {
		return int32(wire.StatusNotFound)
	}
	for _, store := range i.Proxy.Secrets.All() {
		var value []byte
		var found bool
		var gerr error
		if at != nil {
			value, found, gerr = store.GetAt(string(key), *at)
		} else {
			value, found, gerr = store.Get(string(key))
		}
		if gerr != nil {
			return int32(wire.StatusInternalFailure)
		}
		if found {
			if werr := i.Memory.WriteOut(i.Alloc, value, outDataPtr, outSizePtr); werr != nil {
				return int32(wire.StatusInvalidMemoryAccess)
			}
			return int32(wire.StatusOk)
		}
	}
	return int32(wire.StatusNotFound)
}

func (i *Instance) proxyDictionaryGet(keyPtr, keySize, outDataPtr, outSizePtr int32) int32 {
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	if i.Proxy.Dictionaries == nil {
		return int32(wire.StatusNotFound)
	}
	dict, ok := i.Proxy.Dictionaries.ByHandle(0)
	if !ok {
		return int32(wire.StatusNotFound)
	}
	value, ok := dict.Get(string(key))
	if !ok {
		return int32(wire.StatusNotFound)
	}
	if werr := i.Memory.WriteOut(i.Alloc, []byte(value), outDataPtr, outSizePtr); werr != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func (i *Instance) proxyKvStoreOpen(namePtr, nameSize, outHandlePtr int32) int32 {
	name, err := i.Memory.ReadBytes(int64(namePtr), int(nameSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	if i.Proxy.KV == nil {
		return int32(wire.StatusNotFound)
	}
	store, ok := i.Proxy.KV.ByName(string(name))
	if !ok {
		return int32(wire.StatusNotFound)
	}
	handle := i.KVHandles.New(store)
	if werr := i.Memory.PutInt32(handle, int64(outHandlePtr)); werr != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func (i *Instance) proxyKvStoreGet(handle, keyPtr, keySize, outDataPtr, outSizePtr int32) int32 {
	return i.kvGet(handle, keyPtr, keySize, outDataPtr, outSizePtr)
}

func (i *Instance) kvGet(handle, keyPtr, keySize, outDataPtr, outSizePtr int32) int32 {
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	store := i.KVHandles.Get(handle)
	if store == nil {
		return int32(wire.StatusBadArgument)
	}
	value, gerr := store.Get(string(key))
	if gerr == kvstore.ErrNotFound {
		return i.writeOutOrFail(nil, outDataPtr, outSizePtr)
	}
	if gerr != nil {
		return int32(wire.StatusInternalFailure)
	}
	return i.writeOutOrFail(value, outDataPtr, outSizePtr)
}

func (i *Instance) writeOutOrFail(data []byte, outDataPtr, outSizePtr int32) int32 {
	if err := i.Memory.WriteOut(i.Alloc, data, outDataPtr, outSizePtr); err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func (i *Instance) proxyKvStoreZRangeByScore(handle, keyPtr, keySize, minBits, maxBits, outDataPtr, outSizePtr int32) int32 {
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	store := i.KVHandles.Get(handle)
	if store == nil {
		return int32(wire.StatusBadArgument)
	}
	min := integerScore(minBits)
	max := integerScore(maxBits)
	members, scores, zerr := store.ZRangeByScore(string(key), min, max)
	if zerr != nil {
		return int32(wire.StatusInternalFailure)
	}
	memberBytes := make([][]byte, len(members))
	for idx, m := range members {
		memberBytes[idx] = []byte(m)
	}
	data := wire.SerializeZSet(memberBytes, scores)
	return i.writeOutOrFail(data, outDataPtr, outSizePtr)
}

func (i *Instance) proxyKvStoreZScan(handle, keyPtr, keySize, patternPtr, patternSize, outDataPtr, outSizePtr int32) int32 {
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	pattern, err := i.Memory.ReadBytes(int64(patternPtr), int(patternSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	store := i.KVHandles.Get(handle)
	if store == nil {
		return int32(wire.StatusBadArgument)
	}
	members, scores, zerr := store.ZScan(string(key), string(pattern))
	if zerr != nil {
		return int32(wire.StatusInternalFailure)
	}
	memberBytes := make([][]byte, len(members))
	for idx, m := range members {
		memberBytes[idx] = []byte(m)
	}
	return i.writeOutOrFail(wire.SerializeZSet(memberBytes, scores), outDataPtr, outSizePtr)
}

func (i *Instance) proxyKvStoreScan(handle, patternPtr, patternSize, outDataPtr, outSizePtr int32) int32 {
	pattern, err := i.Memory.ReadBytes(int64(patternPtr), int(patternSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	store := i.KVHandles.Get(handle)
	if store == nil {
		return int32(wire.StatusBadArgument)
	}
	keys, serr := store.Scan(string(pattern))
	if serr != nil {
		return int32(wire.StatusInternalFailure)
	}
	elements := make([][]byte, len(keys))
	for idx, k := range keys {
		elements[idx] = []byte(k)
	}
	return i.writeOutOrFail(wire.SerializeList(elements), outDataPtr, outSizePtr)
}

func (i *Instance) proxyKvStoreBfExists(handle, keyPtr, keySize, itemPtr, itemSize, outBoolPtr int32) int32 {
	key, err := i.Memory.ReadBytes(int64(keyPtr), int(keySize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	item, err := i.Memory.ReadBytes(int64(itemPtr), int(itemSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	store := i.KVHandles.Get(handle)
	if store == nil {
		return int32(wire.StatusBadArgument)
	}
	exists, berr := store.BFExists(string(key), string(item))
	if berr != nil {
		return int32(wire.StatusInternalFailure)
	}
	var b int32
	if exists {
		b = 1
	}
	if werr := i.Memory.PutInt32(b, int64(outBoolPtr)); werr != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	return int32(wire.StatusOk)
}

func (i *Instance) statsSetUserDiag(valuePtr, valueSize int32) int32 {
	value, err := i.Memory.ReadBytes(int64(valuePtr), int(valueSize))
	if err != nil {
		return int32(wire.StatusInvalidMemoryAccess)
	}
	if i.Proxy.Stats != nil {
		i.Proxy.Stats.SetUserDiag(string(value))
	}
	return int32(wire.StatusOk)
}

// integerScore widens a zrange bound carried as a plain i32 ABI argument.
// Scores in this ABI are integer-valued; a full IEEE-754 double would need
// two i32 words and no caller needs fractional scores.
func integerScore(bits int32) float64 {
	return float64(bits)
}
