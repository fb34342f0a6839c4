package session

import (
	"bytes"
	"strings"
	"testing"
)

func TestRingBufferSmallWrites(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Write([]byte("hello "))
	rb.Write([]byte("world"))
	if got := string(rb.Bytes()); got != "hello world" {
		t.Errorf("Bytes() = %q", got)
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcdef"))
	rb.Write([]byte("ghij"))
	if got := string(rb.Bytes()); got != "cdefghij" {
		t.Errorf("Bytes() = %q, want cdefghij", got)
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("0123456789"))
	if got := string(rb.Bytes()); got != "6789" {
		t.Errorf("Bytes() = %q, want 6789", got)
	}
}

func TestStreamAttachReplaysBufferedOutput(t *testing.T) {
	r := NewRegistry()
	st := r.Create("strm_1", "wld_1", "spn_1")

	st.Write([]byte("$ make test\n"))
	st.Write([]byte("ok\n"))

	var live bytes.Buffer
	backlog := st.Attach(func(p []byte) { live.Write(p) })
	if !strings.Contains(string(backlog), "make test") {
		t.Errorf("backlog missing earlier output: %q", backlog)
	}

	st.Write([]byte("done\n"))
	if got := live.String(); got != "done\n" {
		t.Errorf("live output = %q", got)
	}
}

func TestStreamDetachKeepsBuffering(t *testing.T) {
	r := NewRegistry()
	st := r.Create("strm_1", "wld_1", "spn_1")

	st.Attach(func(p []byte) {})
	st.Detach()
	st.Write([]byte("after detach\n"))

	backlog := st.Attach(func(p []byte) {})
	if !strings.Contains(string(backlog), "after detach") {
		t.Errorf("output written while detached lost: %q", backlog)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	r.Create("strm_1", "wld_1", "spn_1")

	if _, ok := r.Get("strm_1"); !ok {
		t.Fatal("created stream not found")
	}
	r.Remove("strm_1")
	if _, ok := r.Get("strm_1"); ok {
		t.Error("removed stream still present")
	}
}
