package coordinator

import (
	"context"
	"testing"

	"github.com/fastedge/corewasm/internal/app"
	"github.com/fastedge/corewasm/internal/wire"
	"go.uber.org/zap"
)

// mapRegistry is a minimal app.Registry fixture: no binaries, since the
// status-switch cases below all return before Dispatch ever compiles one.
type mapRegistry map[string]app.App

func (m mapRegistry) Lookup(appID string) (app.App, error) {
	a, ok := m[appID]
	if !ok {
		return app.App{}, app.ErrUnknownApp{AppID: appID}
	}
	return a, nil
}

func (m mapRegistry) Binary(binaryID string) ([]byte, error) {
	return nil, app.ErrUnknownApp{AppID: binaryID}
}

func newTestCoordinator(reg mapRegistry) *Coordinator {
	return New(reg, zap.NewNop(), zap.NewNop())
}

// TestDispatchUnknownApp exercises the app-lookup-miss branch: an app_id
// the registry doesn't recognize maps to ActionNotFound without touching
// the Wasm engine at all.
func TestDispatchUnknownApp(t *testing.T) {
	c := newTestCoordinator(mapRegistry{})
	res, err := c.Dispatch(context.Background(), "ghost", wire.Handler{Kind: wire.OnRequestHeaders}, nil, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Action != wire.ActionNotFound {
		t.Fatalf("expected ActionNotFound, got %d", res.Action)
	}
}

func TestDispatchDraftAppIsNotAcceptable(t *testing.T) {
	c := newTestCoordinator(mapRegistry{"a1": app.App{AppID: "a1", Status: app.Draft}})
	res, err := c.Dispatch(context.Background(), "a1", wire.Handler{Kind: wire.OnRequestHeaders}, nil, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Action != wire.ActionNotAcceptable {
		t.Fatalf("expected ActionNotAcceptable for a draft app, got %d", res.Action)
	}
}

func TestDispatchDisabledAppIsNotAcceptable(t *testing.T) {
	c := newTestCoordinator(mapRegistry{"a1": app.App{AppID: "a1", Status: app.Disabled}})
	res, err := c.Dispatch(context.Background(), "a1", wire.Handler{Kind: wire.OnRequestHeaders}, nil, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Action != wire.ActionNotAcceptable {
		t.Fatalf("expected ActionNotAcceptable for a disabled app, got %d", res.Action)
	}
}

func TestDispatchRateLimitedAppIsTooManyRequests(t *testing.T) {
	c := newTestCoordinator(mapRegistry{"a1": app.App{AppID: "a1", Status: app.RateLimited}})
	res, err := c.Dispatch(context.Background(), "a1", wire.Handler{Kind: wire.OnRequestHeaders}, nil, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Action != wire.ActionTooManyRequests {
		t.Fatalf("expected ActionTooManyRequests for a rate-limited app, got %d", res.Action)
	}
}
