// Package coordinator implements the Execution Coordinator: app lookup,
// executor acquisition, the guest initialization sequence, handler dispatch,
// and the trap/timeout result mapping table. Every dispatched call gets its
// own fresh wasmtime store and instance, rather than reusing one instance
// across requests, so a slow or trapping module can never leak state into
// the next call.
package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v37"
	"github.com/fastedge/corewasm/internal/app"
	"github.com/fastedge/corewasm/internal/dictionary"
	"github.com/fastedge/corewasm/internal/geoip"
	"github.com/fastedge/corewasm/internal/hostabi"
	"github.com/fastedge/corewasm/internal/kvstore"
	"github.com/fastedge/corewasm/internal/secretstore"
	"github.com/fastedge/corewasm/internal/stats"
	"github.com/fastedge/corewasm/internal/uadetect"
	"github.com/fastedge/corewasm/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result is the outcome of one Dispatch call: the action code to report to
// the proxy and the fail reason to record on the stats row.
type Result struct {
	Action     int32
	FailReason wire.FailReason
}

// Coordinator owns the Wasm engine, the compiled-module cache, and every
// collaborator a dispatched handler may reach through the Host ABI.
type Coordinator struct {
	engine *wasmtime.Engine

	mu      sync.Mutex
	modules map[string]*wasmtime.Module

	Apps        app.Registry
	Geo         geoip.Lookup
	KV          *kvstore.Registry
	Secrets     *secretstore.Registry
	UA          *uadetect.Detector
	StatsCache  *stats.Cache
	Metrics     stats.Visitor
	Node        hostabi.NodeDescription
	Log, ABI    *zap.Logger
}

// New builds a Coordinator. log/abi must not be nil; see internal/logging.
func New(apps app.Registry, log, abi *zap.Logger) *Coordinator {
	config := wasmtime.NewConfig()
	config.SetEpochInterruption(true)
	engine := wasmtime.NewEngineWithConfig(config)

	return &Coordinator{
		engine:     engine,
		modules:    make(map[string]*wasmtime.Module),
		Apps:       apps,
		StatsCache: stats.NewCache(),
		Metrics:    stats.NoopVisitor{},
		Log:        log,
		ABI:        abi,
	}
}

func (c *Coordinator) module(binaryID string) (*wasmtime.Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.modules[binaryID]; ok {
		return m, nil
	}
	bytes, err := c.Apps.Binary(binaryID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: fetch binary %q: %w", binaryID, err)
	}
	m, err := wasmtime.NewModule(c.engine, bytes)
	if err != nil {
		return nil, fmt.Errorf("coordinator: compile binary %q: %w", binaryID, err)
	}
	c.modules[binaryID] = m
	return m, nil
}

// Dispatch resolves appID, builds a fresh executor, runs the guest
// initialization sequence, invokes the handler named by h.Kind, and maps the
// outcome onto a wire action code and fail reason.
func (c *Coordinator) Dispatch(ctx context.Context, appID string, h wire.Handler, ai *wire.AdditionalInfo, rr hostabi.RequestReplyFunc) (Result, error) {
	a, err := c.Apps.Lookup(appID)
	if err != nil {
		c.Log.Info("app lookup miss", zap.String("app_id", appID))
		return Result{Action: wire.ActionNotFound, FailReason: wire.FailReasonSuccess}, nil
	}

	switch a.Status {
	case app.Draft, app.Disabled:
		return Result{Action: wire.ActionNotAcceptable, FailReason: wire.FailReasonSuccess}, nil
	case app.RateLimited:
		return Result{Action: wire.ActionTooManyRequests, FailReason: wire.FailReasonSuccess}, nil
	case app.Enabled:
		// proceed
	default:
		return Result{Action: wire.ActionNotAcceptable, FailReason: wire.FailReasonSuccess}, nil
	}

	module, err := c.module(a.BinaryID)
	if err != nil {
		return Result{Action: wire.ActionInternalError, FailReason: wire.FailReasonOther}, err
	}

	traceparent := resolveTraceparent(ai, rr)

	row := c.statsRowFor(h, traceparent)
	started := time.Now()
	defer func() { row.Observe(time.Since(started)) }()
	row.CdnPhase(phaseFor(h.Kind))

	proxy := c.buildProxy(a, rr, ai, row)

	action, failReason, err := c.run(ctx, module, a, h, proxy)

	if code, ok := proxy.StatusCode(); ok {
		row.StatusCode(uint16(code))
		if action == wire.ActionContinue {
			c.Log.Warn("module set status_code but handler returned CONTINUE; CONTINUE wins",
				zap.String("app_id", appID), zap.Int32("status_code", code))
		} else {
			action = code
		}
	}

	row.FailReason(failReason)
	if h.Kind == wire.OnRequestBody || h.Kind == wire.OnResponseBody {
		if h.EndOfStream {
			c.StatsCache.Release(traceparent)
		}
	}

	if c.Metrics != nil {
		c.Metrics.ObserveDuration(row.GetTimeElapsed())
		c.Metrics.IncCommand()
		if err != nil || failReason != wire.FailReasonSuccess {
			c.Metrics.IncError(wire.StatusInternalFailure)
		}
	}

	return Result{Action: action, FailReason: failReason}, err
}

func (c *Coordinator) statsRowFor(h wire.Handler, traceparent string) *stats.Row {
	if h.Kind == wire.OnRequestBody || h.Kind == wire.OnResponseBody {
		return c.StatsCache.Get(traceparent)
	}
	return stats.NewRow(phaseFor(h.Kind))
}

func phaseFor(k wire.HandlerKind) stats.Phase {
	switch k {
	case wire.OnRequestHeaders:
		return stats.PhaseRequestHeaders
	case wire.OnResponseHeaders:
		return stats.PhaseResponseHeaders
	case wire.OnRequestBody:
		return stats.PhaseRequestBody
	case wire.OnResponseBody:
		return stats.PhaseResponseBody
	default:
		return stats.PhaseLog
	}
}

// resolveTraceparent reads the traceparent header via AdditionalInfo first,
// else a request_reply round trip, else synthesizes a 10-character
// fallback id from a google/uuid.
func resolveTraceparent(ai *wire.AdditionalInfo, rr hostabi.RequestReplyFunc) string {
	if ai != nil {
		for _, hdr := range ai.RequestHeaders {
			if string(hdr.Name) == "traceparent" && len(hdr.Value) > 0 {
				return string(hdr.Value)
			}
		}
	}
	if rr != nil {
		status, value, err := rr(wire.HostFunction{Op: wire.HFGetProperty, Path: []byte("request.header.traceparent")})
		if err == nil && status == wire.StatusOk && len(value) > 0 {
			return string(value)
		}
	}
	return randomID(10)
}

// randomID returns the first n characters of a fresh UUID's hex digits
// (dashes stripped), so the fallback traceparent stays a fixed length
// while still drawing its randomness from google/uuid.
func randomID(n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}

func (c *Coordinator) buildProxy(a app.App, rr hostabi.RequestReplyFunc, ai *wire.AdditionalInfo, row *stats.Row) *hostabi.Proxy {
	proxy := hostabi.NewProxy(rr, c.Geo, row, c.Node, c.Log, c.ABI)
	proxy.AdditionalInfo = ai
	proxy.UA = c.UA

	dictionaries := &dictionary.Registry{}
	dictionaries.Add(dictionary.FromMap("env", a.Env))
	proxy.Dictionaries = dictionaries

	if c.Secrets != nil && len(a.Secrets) > 0 {
		bound := &secretstore.Registry{}
		for _, name := range a.Secrets {
			if s, ok := c.Secrets.ByName(name); ok {
				bound.Add(s)
			}
		}
		proxy.Secrets = bound
	}

	if c.KV != nil && len(a.KVStores) > 0 {
		bound := kvstore.NewRegistry()
		for _, name := range a.KVStores {
			if s, ok := c.KV.ByName(name); ok {
				bound.Add(s)
			}
		}
		proxy.KV = bound
	}

	return proxy
}

// run builds a fresh store+instance for a, runs the initialization
// sequence, invokes the handler named by h.Kind, and classifies the outcome.
func (c *Coordinator) run(ctx context.Context, module *wasmtime.Module, a app.App, h wire.Handler, proxy *hostabi.Proxy) (int32, wire.FailReason, error) {
	store := wasmtime.NewStore(c.engine)
	store.SetEpochDeadline(1)

	wasicfg := wasmtime.NewWasiConfig()
	wasicfg.InheritStdout()
	wasicfg.InheritStderr()
	var envNames, envValues []string
	for k, v := range a.Env {
		envNames = append(envNames, k)
		envValues = append(envValues, v)
	}
	wasicfg.SetEnv(envNames, envValues)
	store.SetWasi(wasicfg)

	linker := wasmtime.NewLinker(c.engine)
	if err := linker.DefineWasi(); err != nil {
		return wire.ActionInternalError, wire.FailReasonOther, fmt.Errorf("coordinator: define wasi: %w", err)
	}

	instance := &hostabi.Instance{Proxy: proxy}
	if err := instance.Link(linker); err != nil {
		return wire.ActionInternalError, wire.FailReasonOther, fmt.Errorf("coordinator: link host abi: %w", err)
	}

	wasmInst, err := linker.Instantiate(store, module)
	if err != nil {
		return wire.ActionInternalError, wire.FailReasonOther, fmt.Errorf("coordinator: instantiate: %w", err)
	}

	memExport := wasmInst.GetExport(store, "memory")
	if memExport == nil || memExport.Memory() == nil {
		return wire.ActionInternalError, wire.FailReasonOther, fmt.Errorf("coordinator: module exports no memory")
	}
	instance.Memory = hostabi.NewWasmMemory(memExport.Memory())
	instance.Alloc = allocatorFor(wasmInst, store)

	deadline := a.MaxDuration
	if deadline <= 0 {
		deadline = 50 * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	donech := make(chan struct{}, 1)
	go func() {
		select {
		case <-runCtx.Done():
			c.engine.IncrementEpoch()
		case <-donech:
		}
	}()
	defer func() { donech <- struct{}{} }()

	if err := callIfExported(store, wasmInst, "_initialize"); err != nil {
		return classifyTrap(err)
	} else if !exported(wasmInst, store, "_initialize") {
		_ = callIfExported(store, wasmInst, "_start")
	}

	_ = call1If(store, wasmInst, "proxy_on_context_create", 1, 0)
	_ = call1If(store, wasmInst, "proxy_on_context_create", h.Ctx, 1)

	action, callErr := dispatchHandler(store, wasmInst, h)
	if callErr != nil {
		return classifyTrap(callErr)
	}
	return action, wire.FailReasonSuccess, nil
}

func allocatorFor(inst *wasmtime.Instance, store *wasmtime.Store) hostabi.Allocator {
	name := "malloc"
	export := inst.GetExport(store, "proxy_on_memory_allocate")
	if export != nil && export.Func() != nil {
		name = "proxy_on_memory_allocate"
	}
	return func(size int32) (int32, error) {
		export := inst.GetExport(store, name)
		if export == nil || export.Func() == nil {
			return 0, fmt.Errorf("coordinator: module exports no allocator (%s)", name)
		}
		ret, err := export.Func().Call(store, size)
		if err != nil {
			return 0, err
		}
		offset, ok := ret.(int32)
		if !ok {
			return 0, fmt.Errorf("coordinator: allocator returned non-int32")
		}
		return offset, nil
	}
}

func exported(inst *wasmtime.Instance, store *wasmtime.Store, name string) bool {
	export := inst.GetExport(store, name)
	return export != nil && export.Func() != nil
}

func callIfExported(store *wasmtime.Store, inst *wasmtime.Instance, name string) error {
	export := inst.GetExport(store, name)
	if export == nil || export.Func() == nil {
		return nil
	}
	_, err := export.Func().Call(store)
	return err
}

func call1If(store *wasmtime.Store, inst *wasmtime.Instance, name string, a, b int32) error {
	export := inst.GetExport(store, name)
	if export == nil || export.Func() == nil {
		return nil
	}
	_, err := export.Func().Call(store, a, b)
	return err
}

// dispatchHandler calls the export named by h.Kind with the arguments that
// handler's guest-side signature expects.
func dispatchHandler(store *wasmtime.Store, inst *wasmtime.Instance, h wire.Handler) (int32, error) {
	var name string
	var args []interface{}
	switch h.Kind {
	case wire.OnRequestHeaders:
		name, args = "proxy_on_request_headers", []interface{}{h.Ctx, h.N, int32(1)}
	case wire.OnResponseHeaders:
		name, args = "proxy_on_response_headers", []interface{}{h.Ctx, h.N, int32(1)}
	case wire.OnRequestBody:
		name, args = "proxy_on_request_body", []interface{}{h.Ctx, h.Size, boolToI32(h.EndOfStream)}
	case wire.OnResponseBody:
		name, args = "proxy_on_response_body", []interface{}{h.Ctx, h.Size, boolToI32(h.EndOfStream)}
	case wire.OnLog:
		name, args = "proxy_on_log", []interface{}{h.Ctx}
	default:
		return wire.ActionInternalError, fmt.Errorf("coordinator: unknown handler kind %v", h.Kind)
	}

	export := inst.GetExport(store, name)
	if export == nil || export.Func() == nil {
		return wire.ActionInternalError, fmt.Errorf("coordinator: module exports no %s", name)
	}
	ret, err := export.Func().Call(store, args...)
	if err != nil {
		return 0, err
	}
	if h.Kind == wire.OnLog {
		return wire.ActionContinue, nil
	}
	action, ok := ret.(int32)
	if !ok {
		return wire.ActionInternalError, fmt.Errorf("coordinator: %s returned non-int32", name)
	}
	return action, nil
}

func boolToI32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// classifyTrap maps a wasmtime runtime error onto a wire action code and a
// stats fail reason, in three tiers: a WASI proc_exit first (it is not
// itself a trap), then a wasmtime trap, then a deadline. run passes it the
// errors of _initialize and of the handler call; _start's error is
// discarded there.
func classifyTrap(err error) (int32, wire.FailReason, error) {
	if err == nil {
		return wire.ActionContinue, wire.FailReasonSuccess, nil
	}
	if code, ok := wasiExitCode(err); ok {
		if code == 0 {
			return wire.ActionContinue, wire.FailReasonSuccess, nil
		}
		return wire.ActionExecutionPanic, wire.FailReasonOther, nil
	}
	if trap, ok := err.(*wasmtime.Trap); ok {
		code := trap.Code()
		if code != nil {
			switch *code {
			case wasmtime.TrapCodeInterrupt:
				return wire.ActionExecutionTimeout, wire.FailReasonTimeout, nil
			case wasmtime.TrapCodeUnreachableCodeReached:
				return wire.ActionOutOfMemory, wire.FailReasonOOM, nil
			}
		}
		return wire.ActionExecutionPanic, wire.FailReasonOther, nil
	}
	if err == context.DeadlineExceeded {
		return wire.ActionExecutionTimeout, wire.FailReasonTimeout, nil
	}
	return wire.ActionInternalError, wire.FailReasonOther, err
}

// wasiExitCode recognizes a WASI command-module's proc_exit outcome. A
// _start export calling proc_exit terminates the call with a plain error
// rather than a *wasmtime.Trap, so it's told apart from an ordinary trap by
// message rather than by a dedicated Go type; see DESIGN.md for why this
// is a best-effort text match instead of a type assertion.
func wasiExitCode(err error) (int32, bool) {
	if _, ok := err.(*wasmtime.Trap); ok {
		return 0, false
	}
	msg := err.Error()
	const marker = "exit status "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return 0, false
	}
	rest := msg[idx+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	code, convErr := strconv.Atoi(rest[:end])
	if convErr != nil {
		return 0, false
	}
	return int32(code), true
}
