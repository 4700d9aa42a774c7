package registry

import (
	"runtime"
	"testing"
	"time"

	"github.com/webdocs/emulator/internal/transport"
)

// newIdleHandle builds a handle that never starts its pumps, so the only
// strong reference is the one the test holds.
func newIdleHandle() (*transport.Handle, *transport.PipeConn) {
	_, serverEnd := transport.Pipe()
	return transport.NewHandle(serverEnd, nil, nil), serverEnd
}

func TestRegisterAndGet(t *testing.T) {
	r := New(time.Hour)
	defer r.Dispose()

	h, _ := newIdleHandle()
	r.Register("doc-1", h)

	got, ok := r.Get("doc-1")
	if !ok || got != h {
		t.Fatalf("Get = %v, %v; want the registered handle", got, ok)
	}
	if r.Size() != 1 {
		t.Errorf("Size() = %d, want 1", r.Size())
	}
}

func TestGetMissing(t *testing.T) {
	r := New(time.Hour)
	defer r.Dispose()
	if _, ok := r.Get("nope"); ok {
		t.Error("Get on empty registry returned ok")
	}
}

func TestWeakEntryExpiresAfterCollection(t *testing.T) {
	r := New(time.Hour)
	defer r.Dispose()

	h, _ := newIdleHandle()
	r.Register("doc-1", h)
	h = nil
	_ = h

	// Collection timing is best-effort; force two cycles and then the
	// deterministic sweep.
	runtime.GC()
	runtime.GC()
	r.Cleanup()

	if _, ok := r.Get("doc-1"); ok {
		t.Fatal("Get returned a handle after its only strong reference was dropped")
	}
	if got := r.Size(); got != 0 {
		t.Errorf("Size() = %d after collection, want 0", got)
	}
}

func TestLiveHandleSurvivesCleanup(t *testing.T) {
	r := New(time.Hour)
	defer r.Dispose()

	h, _ := newIdleHandle()
	r.Register("doc-1", h)

	runtime.GC()
	if removed := r.Cleanup(); removed != 0 {
		t.Errorf("Cleanup removed %d live entries", removed)
	}
	if _, ok := r.Get("doc-1"); !ok {
		t.Error("live handle gone after Cleanup")
	}
	runtime.KeepAlive(h)
}

func TestEmitToSession(t *testing.T) {
	r := New(time.Hour)
	defer r.Dispose()

	editorEnd, serverEnd := transport.Pipe()
	h := transport.NewHandle(serverEnd, nil, nil)
	go h.Start()
	defer h.Close()

	r.Register("doc-1", h)

	// Drain the capability announcement first.
	if _, err := editorEnd.ReadMessage(); err != nil {
		t.Fatal(err)
	}

	if !r.EmitToSession("doc-1", transport.SaveCompletedMessage{Type: transport.MsgSaveCompleted, URL: "/d", FileType: "docx"}) {
		t.Fatal("EmitToSession reported non-delivery for a connected handle")
	}
	data, err := editorEnd.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" {
		t.Fatal("empty delivery")
	}
}

func TestEmitToDisconnectedHandle(t *testing.T) {
	r := New(time.Hour)
	defer r.Dispose()

	h, _ := newIdleHandle()
	r.Register("doc-1", h)
	h.Close()

	if r.EmitToSession("doc-1", transport.DisconnectedMessage{Type: transport.MsgDisconnected}) {
		t.Error("EmitToSession delivered to a closed handle")
	}
	runtime.KeepAlive(h)
}

func TestEmitToMissingSession(t *testing.T) {
	r := New(time.Hour)
	defer r.Dispose()
	if r.EmitToSession("ghost", struct{}{}) {
		t.Error("EmitToSession delivered to nothing")
	}
}

func TestBroadcastCountsDistinctHandles(t *testing.T) {
	r := New(time.Hour)
	defer r.Dispose()

	e1, s1 := transport.Pipe()
	h1 := transport.NewHandle(s1, nil, nil)
	go h1.Start()
	defer h1.Close()
	e2, s2 := transport.Pipe()
	h2 := transport.NewHandle(s2, nil, nil)
	go h2.Start()
	defer h2.Close()
	e1.ReadMessage()
	e2.ReadMessage()

	// h1 registered under two ids must still receive one delivery,
	// counted once.
	r.Register("id-a", h1)
	r.Register("key-a", h1)
	r.Register("id-b", h2)

	if got := r.Broadcast(transport.PendingChangesMessage{Type: transport.MsgPendingChanges}); got != 2 {
		t.Errorf("Broadcast delivered to %d handles, want 2", got)
	}
}

func TestDisposeMakesRegisterNoop(t *testing.T) {
	r := New(time.Hour)
	r.Dispose()
	r.Dispose() // idempotent

	h, _ := newIdleHandle()
	r.Register("doc-1", h)
	if r.Size() != 0 {
		t.Errorf("Register on disposed registry stored an entry")
	}
	runtime.KeepAlive(h)
}
