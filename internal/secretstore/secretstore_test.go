package secretstore

import "testing"

func TestStoreGet(t *testing.T) {
	secrets := map[string][]byte{
		"api_key":     []byte("secret-api-key-12345"),
		"db_password": []byte("super-secret-password"),
	}
	lookup := func(key string) ([]byte, bool, error) {
		v, ok := secrets[key]
		return v, ok, nil
	}
	store := NewStore("my_secrets", lookup, nil)

	value, found, err := store.Get("api_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Error("expected to find 'api_key' secret")
	}
	if string(value) != "secret-api-key-12345" {
		t.Errorf("expected 'secret-api-key-12345', got '%s'", string(value))
	}

	_, found, _ = store.Get("nonexistent")
	if found {
		t.Error("should not find 'nonexistent' secret")
	}
}

func TestHandles(t *testing.T) {
	handles := &Handles{}

	handle1 := handles.New([]byte("secret-value-1"))
	handle2 := handles.New([]byte("secret-value-2"))

	if handle1 == handle2 {
		t.Error("expected different handles for different secrets")
	}

	secret1 := handles.Get(handle1)
	if secret1 == nil {
		t.Fatal("expected to retrieve secret1")
	}
	if string(secret1.Plaintext()) != "secret-value-1" {
		t.Errorf("expected 'secret-value-1', got '%s'", string(secret1.Plaintext()))
	}

	if handles.Get(999) != nil {
		t.Error("expected nil for invalid handle")
	}
}

func TestStoreHandles(t *testing.T) {
	handles := &StoreHandles{}

	handle1 := handles.New("store1")
	handle2 := handles.New("store2")

	if handle1 == handle2 {
		t.Error("expected different handles for different stores")
	}

	name, ok := handles.Get(handle1)
	if !ok || name != "store1" {
		t.Errorf("expected 'store1', got '%s' (ok=%v)", name, ok)
	}

	if _, ok := handles.Get(999); ok {
		t.Error("expected miss for invalid handle")
	}
}

func TestRegistryByName(t *testing.T) {
	reg := &Registry{}
	reg.Add(NewStore("a", func(string) ([]byte, bool, error) { return nil, false, nil }, nil))
	reg.Add(NewStore("b", func(string) ([]byte, bool, error) { return []byte("x"), true, nil }, nil))

	store, ok := reg.ByName("b")
	if !ok {
		t.Fatal("expected to find store 'b'")
	}
	v, found, err := store.Get("anything")
	if err != nil || !found || string(v) != "x" {
		t.Errorf("unexpected Get result: v=%q found=%v err=%v", v, found, err)
	}

	if _, ok := reg.ByName("missing"); ok {
		t.Error("expected miss for unregistered store")
	}
}
