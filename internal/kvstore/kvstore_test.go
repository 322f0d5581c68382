package kvstore

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/go-redis/redismock/v9"
)

func TestStoreGetHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStore("sessions", db, "kv:sessions:")

	mock.ExpectGet("kv:sessions:user-1").SetVal("hello")

	v, err := store.Get("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v) != "hello" {
		t.Errorf("expected 'hello', got %q", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStoreGetMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStore("sessions", db, "kv:sessions:")

	mock.ExpectGet("kv:sessions:missing").RedisNil()

	_, err := store.Get("missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreZRangeByScore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStore("leaderboard", db, "kv:lb:")

	mock.ExpectZRangeByScoreWithScores("kv:lb:top", &redis.ZRangeBy{Min: "0", Max: "100"}).
		SetVal([]redis.Z{{Score: 10, Member: "alice"}, {Score: 20, Member: "bob"}})

	members, scores, err := store.ZRangeByScore("top", 0, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 2 || members[0] != "alice" || scores[1] != 20 {
		t.Errorf("unexpected result: members=%v scores=%v", members, scores)
	}
}

func TestHandles(t *testing.T) {
	db, _ := redismock.NewClientMock()
	h := &Handles{}
	s1 := NewStore("a", db, "kv:a:")
	s2 := NewStore("b", db, "kv:b:")

	handle1 := h.New(s1)
	handle2 := h.New(s2)
	if handle1 == handle2 {
		t.Error("expected different handles")
	}
	if h.Get(handle1).Name != "a" {
		t.Error("handle1 should resolve to store a")
	}
	if h.Get(999) != nil {
		t.Error("expected nil for invalid handle")
	}
}

func TestRegistry(t *testing.T) {
	db, _ := redismock.NewClientMock()
	reg := NewRegistry()
	reg.Add(NewStore("sessions", db, "kv:sessions:"))

	s, ok := reg.ByName("sessions")
	if !ok || s.Name != "sessions" {
		t.Fatalf("expected to find store 'sessions', got ok=%v s=%+v", ok, s)
	}
	if _, ok := reg.ByName("missing"); ok {
		t.Error("expected miss for unregistered store")
	}
}
