package app

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// fileApp is the on-disk shape of one App record in a FileRegistry's JSON
// manifest; MaxDurationMs/Status are marshalled as plain JSON types since
// time.Duration and the Status iota don't round-trip through encoding/json
// on their own.
type fileApp struct {
	AppID         string            `json:"app_id"`
	ClientID      string            `json:"client_id"`
	BinaryID      string            `json:"binary_id"`
	BinaryPath    string            `json:"binary_path"`
	MaxDurationMs int64             `json:"max_duration_ms"`
	MemLimit      uint64            `json:"mem_limit"`
	Env           map[string]string `json:"env"`
	RspHeaders    map[string]string `json:"rsp_headers"`
	Log           bool              `json:"log"`
	Plan          string            `json:"plan"`
	PlanID        string            `json:"plan_id"`
	Status        string            `json:"status"`
	Secrets       []string          `json:"secrets"`
	KVStores      []string          `json:"kv_stores"`
}

func statusFromString(s string) Status {
	switch s {
	case "Draft":
		return Draft
	case "Disabled":
		return Disabled
	case "RateLimited":
		return RateLimited
	default:
		return Enabled
	}
}

// FileRegistry is a static Registry loaded once from a JSON manifest
// mapping app_id to its App record and Wasm binary path. Grounded on
// cmd/fastlike's dictionaryFlags/kvStoreFlags idiom of reading a JSON file
// into an in-memory lookup at startup; the registry's real backing store
// (a control plane push, a database) is out of this package's scope, so
// this exists only to make the daemon runnable standalone.
type FileRegistry struct {
	mu   sync.RWMutex
	apps map[string]App
	bins map[string][]byte
}

// LoadFileRegistry reads manifestPath (a JSON array of fileApp records)
// and compiles a FileRegistry, reading each referenced binary_path eagerly.
func LoadFileRegistry(manifestPath string) (*FileRegistry, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("app: read manifest %q: %w", manifestPath, err)
	}

	var entries []fileApp
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("app: parse manifest %q: %w", manifestPath, err)
	}

	reg := &FileRegistry{
		apps: make(map[string]App, len(entries)),
		bins: make(map[string][]byte, len(entries)),
	}
	for _, e := range entries {
		bin, err := os.ReadFile(e.BinaryPath)
		if err != nil {
			return nil, fmt.Errorf("app: read binary %q for app %q: %w", e.BinaryPath, e.AppID, err)
		}
		reg.apps[e.AppID] = App{
			AppID:       e.AppID,
			ClientID:    e.ClientID,
			BinaryID:    e.BinaryID,
			MaxDuration: msToDuration(e.MaxDurationMs),
			MemLimit:    e.MemLimit,
			Env:         e.Env,
			RspHeaders:  e.RspHeaders,
			Log:         e.Log,
			Plan:        e.Plan,
			PlanID:      e.PlanID,
			Status:      statusFromString(e.Status),
			Secrets:     e.Secrets,
			KVStores:    e.KVStores,
		}
		reg.bins[e.BinaryID] = bin
	}
	return reg, nil
}

// NewEmptyRegistry returns a FileRegistry with no apps loaded, for
// standalone runs where apps are registered later via Put.
func NewEmptyRegistry() *FileRegistry {
	return &FileRegistry{apps: make(map[string]App), bins: make(map[string][]byte)}
}

// Put registers or replaces one app and its compiled binary.
func (r *FileRegistry) Put(a App, binary []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[a.AppID] = a
	r.bins[a.BinaryID] = binary
}

func (r *FileRegistry) Lookup(appID string) (App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[appID]
	if !ok {
		return App{}, ErrUnknownApp{AppID: appID}
	}
	return a, nil
}

func (r *FileRegistry) Binary(binaryID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bins[binaryID]
	if !ok {
		return nil, fmt.Errorf("app: unknown binary id %q", binaryID)
	}
	return b, nil
}
