package wire

import (
	"bufio"
	"bytes"
	"testing"
)

// TestNegotiateFirstMatchWins verifies the chosen version is the earliest
// entry of the proxy's offer that the core also supports, not whichever
// order a set might otherwise iterate in.
func TestNegotiateFirstMatchWins(t *testing.T) {
	v, err := Negotiate([]Version{V2a, V1, V2})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if v != V2a {
		t.Fatalf("expected the proxy's first offered supported version (v2a), got %v", v)
	}
}

func TestNegotiateNoCommonVersion(t *testing.T) {
	_, err := Negotiate([]Version{Version(0x99)})
	if err != ErrNoCommonVersion {
		t.Fatalf("expected ErrNoCommonVersion, got %v", err)
	}
}

func TestServerHandshakeRoundTrip(t *testing.T) {
	var conn bytes.Buffer
	if err := WriteFrame(&conn, Frame{Tag: TagHandshake, Payload: EncodeHandshake([]Version{V1, V2a})}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	chosen, err := ServerHandshake(bufio.NewReader(&conn), &conn)
	if err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if chosen != V1 {
		t.Fatalf("expected v1 chosen, got %v", chosen)
	}
	reply, err := ReadFrame(bufio.NewReader(&conn))
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	versions, err := DecodeHandshake(reply.Payload)
	if err != nil || len(versions) != 1 || versions[0] != V1 {
		t.Fatalf("expected singleton [v1] reply, got %v, err=%v", versions, err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Tag: TagFilterEntrypoint, Payload: []byte("payload bytes")}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Tag != want.Tag || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestEntrypointRoundTrip(t *testing.T) {
	id := RequestId{Index: 7, Generation: 3}
	ep := Entrypoint{
		Application: 42,
		Handler:     Handler{Kind: OnRequestHeaders, Ctx: 1, N: 3, Size: 0, EndOfStream: false},
		AdditionalInfo: &AdditionalInfo{
			RequestHeaders: []HeaderPair{{Name: []byte(":path"), Value: []byte("/x")}},
			Properties:     map[string][]byte{"fastly.pop": []byte("LHR")},
		},
	}

	gotID, gotEP, err := DecodeEntrypoint(EncodeEntrypoint(id, ep))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotID != id {
		t.Fatalf("id mismatch: got %v want %v", gotID, id)
	}
	if gotEP.Application != ep.Application || gotEP.Handler != ep.Handler {
		t.Fatalf("entrypoint mismatch: got %+v", gotEP)
	}
	if len(gotEP.AdditionalInfo.RequestHeaders) != 1 || string(gotEP.AdditionalInfo.RequestHeaders[0].Value) != "/x" {
		t.Fatalf("additional info headers mismatch: %+v", gotEP.AdditionalInfo)
	}
	if string(gotEP.AdditionalInfo.Properties["fastly.pop"]) != "LHR" {
		t.Fatalf("additional info properties mismatch: %+v", gotEP.AdditionalInfo.Properties)
	}
}

func TestHostFunctionRoundTrip(t *testing.T) {
	hf := HostFunction{
		Kind:    RequestId{Index: 1, Generation: 2},
		Op:      HFGetMapValue,
		MapType: MapHttpRequestHeaders,
		Key:     []byte("host"),
	}
	got, err := DecodeHostFunction(EncodeHostFunction(hf))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != hf.Kind || got.Op != hf.Op || got.MapType != hf.MapType || string(got.Key) != string(hf.Key) {
		t.Fatalf("host function mismatch: got %+v", got)
	}
}

func TestHostFunctionResponseRoundTrip(t *testing.T) {
	id := RequestId{Index: 5, Generation: 9}
	gotID, status, value, err := DecodeHostFunctionResponse(EncodeHostFunctionResponse(id, StatusOk, []byte("abc")))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotID != id || status != StatusOk || string(value) != "abc" {
		t.Fatalf("response mismatch: id=%v status=%v value=%q", gotID, status, value)
	}
}

// TestSerializedListRoundTrip verifies a list of byte-string elements
// serializes and deserializes back to the same sequence.
func TestSerializedListRoundTrip(t *testing.T) {
	elements := [][]byte{[]byte(":path"), []byte("/asset"), []byte("host"), []byte("example.com"), []byte("")}
	got, err := DeserializeList(SerializeList(elements))
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(got) != len(elements) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(elements))
	}
	for i := range elements {
		if !bytes.Equal(got[i], elements[i]) {
			t.Fatalf("element %d mismatch: got %q want %q", i, got[i], elements[i])
		}
	}
}

func TestSerializedListEmpty(t *testing.T) {
	got, err := DeserializeList(SerializeList(nil))
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}
