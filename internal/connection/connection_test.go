package connection

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/jupyterwire/internal/protocol"
)

func TestUnixRequestRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	id := uint32(4)
	go NewUnixWriter(a).SendRequest(&protocol.Request{Type: protocol.ReqExecute, ID: &id, Code: "1 + 1"})

	f, err := NewUnixReader(b).ReadFrame()
	if err != nil || f == nil {
		t.Fatalf("ReadFrame = %v, %v", f, err)
	}
	if f.Type != protocol.FrameControl {
		t.Fatalf("frame type = %d", f.Type)
	}
	var req protocol.Request
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.Type != protocol.ReqExecute || req.ID == nil || *req.ID != 4 || req.Code != "1 + 1" {
		t.Fatalf("request = %+v", req)
	}
}

func TestUnixReaderEOF(t *testing.T) {
	a, b := net.Pipe()
	a.Close()
	f, err := NewUnixReader(b).ReadFrame()
	if f != nil || err != nil {
		t.Fatalf("ReadFrame after close = %v, %v", f, err)
	}
}

func TestWebSocketFrames(t *testing.T) {
	got := make(chan *protocol.Frame, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		reader := NewWSReader(r.Context(), c)
		for {
			f, err := reader.ReadFrame()
			if err != nil || f == nil {
				close(got)
				return
			}
			got <- f
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	w := NewWSWriter(ctx, c)
	if err := w.SendResponse(&protocol.Response{Type: protocol.RespInterrupted}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFrame(&protocol.Frame{Type: protocol.FrameData, Payload: []byte{1, 2}}); err != nil {
		t.Fatal(err)
	}

	first := <-got
	if first.Type != protocol.FrameControl || !strings.Contains(string(first.Payload), `"Interrupted"`) {
		t.Fatalf("control frame = %d %s", first.Type, first.Payload)
	}
	second := <-got
	if second.Type != protocol.FrameData || len(second.Payload) != 2 {
		t.Fatalf("data frame = %+v", second)
	}
	w.Close()
}
