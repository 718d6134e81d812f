package transport

import (
	"os"
	"testing"
	"time"
)

// pipePair builds a Transport whose writes loop back to its own reads, via
// two os.Pipe()s, so tests can drive Send/Messages without a real child.
func pipePair(t *testing.T) (*Transport, *os.File) {
	t.Helper()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	tr := New(stdinW, stdoutR)
	// The test drives stdoutW directly to simulate the child writing
	// lines, and reads stdinR directly to observe what Send wrote.
	t.Cleanup(func() {
		stdoutW.Close()
		stdinR.Close()
	})
	return tr, stdoutW
}

func TestTransportSendAppendsNewline(t *testing.T) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer stdoutW.Close()

	tr := New(stdinW, stdoutR)
	defer tr.Close()

	if err := tr.Send([]byte(`{"jsonrpc":"2.0"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	buf := make([]byte, 64)
	stdinR.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := stdinR.Read(buf)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	got := string(buf[:n])
	want := "{\"jsonrpc\":\"2.0\"}\n"
	if got != want {
		t.Errorf("wrote %q, want %q", got, want)
	}
}

func TestTransportMessagesOneLinePerMessage(t *testing.T) {
	tr, childStdout := pipePair(t)
	defer tr.Close()

	go func() {
		childStdout.Write([]byte("{\"a\":1}\n{\"b\":2}\n"))
	}()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-tr.Messages():
			if msg.Err != nil {
				t.Fatalf("unexpected message error: %v", msg.Err)
			}
			got[string(msg.Data)] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	if !got[`{"a":1}`] || !got[`{"b":2}`] {
		t.Errorf("got messages %v", got)
	}
}

func TestTransportInvalidUTF8FailsLineNotTransport(t *testing.T) {
	tr, childStdout := pipePair(t)
	defer tr.Close()

	go func() {
		childStdout.Write([]byte{0xff, 0xfe, '\n'})
		childStdout.Write([]byte("{\"ok\":true}\n"))
	}()

	select {
	case msg := <-tr.Messages():
		if msg.Err == nil {
			t.Fatalf("expected parse error for invalid UTF-8 line, got %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first message")
	}

	select {
	case msg := <-tr.Messages():
		if msg.Err != nil {
			t.Fatalf("transport should still deliver subsequent valid lines, got error: %v", msg.Err)
		}
		if string(msg.Data) != `{"ok":true}` {
			t.Errorf("got %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second message")
	}
}

func TestTransportMessagesClosesOnEOF(t *testing.T) {
	tr, childStdout := pipePair(t)
	defer tr.Close()

	childStdout.Close()

	select {
	case _, ok := <-tr.Messages():
		if ok {
			t.Fatal("expected channel to be closed at EOF with no pending messages")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestTransportSendAfterCloseFails(t *testing.T) {
	tr, _ := pipePair(t)
	tr.Close()

	if err := tr.Send([]byte("x")); err == nil {
		t.Fatal("expected error sending after close")
	}
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	tr, _ := pipePair(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}
