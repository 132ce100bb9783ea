package exchange

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

type e2eResult struct {
	resp *message.Message
	err  error
}

func e2eCallback(ch chan<- e2eResult) Callback {
	return func(_ *Exchange, resp *message.Message, err error) {
		ch <- e2eResult{resp, err}
	}
}

func waitResult(t *testing.T, ch <-chan e2eResult) e2eResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for exchange callback")
		return e2eResult{}
	}
}

func TestE2E_ConfirmableGet(t *testing.T) {
	pair, err := NewTestEnginePair(TestEnginePairConfig{UDP: true})
	if err != nil {
		t.Fatalf("NewTestEnginePair() error = %v", err)
	}
	defer pair.Close()

	req := message.NewRequest(message.Confirmable, message.GET, "/hello")
	req.Payload = []byte("ping")

	ch := make(chan e2eResult, 1)
	ex, err := pair.Engine(0).Send(pair.PeerAddress(1, false), req, SendOptions{ExpectResponse: true}, e2eCallback(ch))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, ok := pair.WaitForRequest(1, time.Second)
	if !ok {
		t.Fatal("request did not reach the handler")
	}
	if got.Path() != "/hello" {
		t.Errorf("Path() = %q, want %q", got.Path(), "/hello")
	}

	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("callback error = %v", r.err)
	}
	if r.resp.Code != message.Content {
		t.Errorf("Code = %v, want %v", r.resp.Code, message.Content)
	}
	if r.resp.Type != message.Acknowledgement {
		t.Errorf("Type = %v, want piggybacked ACK", r.resp.Type)
	}
	if !bytes.Equal(r.resp.Payload, []byte("ping")) {
		t.Errorf("Payload = %q, want %q", r.resp.Payload, "ping")
	}
	if ex.State() != ExchangeStateCompleted {
		t.Errorf("State() = %v, want Completed", ex.State())
	}
	if pair.Engine(0).Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", pair.Engine(0).Pending())
	}
}

func TestE2E_DuplicatedDatagrams(t *testing.T) {
	var served atomic.Int32
	pair, err := NewTestEnginePair(TestEnginePairConfig{
		UDP: true,
		Handlers: [2]RequestHandler{nil, func(req *message.Message, peer transport.PeerAddress) *message.Message {
			served.Add(1)
			return echoHandler(req, peer)
		}},
	})
	if err != nil {
		t.Fatalf("NewTestEnginePair() error = %v", err)
	}
	defer pair.Close()
	pair.Pipe().SetCondition(transport.NetworkCondition{DuplicateRate: 1.0})

	var calls atomic.Int32
	ch := make(chan e2eResult, 4)
	req := message.NewRequest(message.Confirmable, message.PUT, "/state")
	_, err = pair.Engine(0).Send(pair.PeerAddress(1, false), req, SendOptions{ExpectResponse: true},
		func(ex *Exchange, resp *message.Message, err error) {
			calls.Add(1)
			ch <- e2eResult{resp, err}
		})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if r := waitResult(t, ch); r.err != nil {
		t.Fatalf("callback error = %v", r.err)
	}
	time.Sleep(50 * time.Millisecond)

	if n := served.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
}

func TestE2E_RetransmitThroughLoss(t *testing.T) {
	pair, err := NewTestEnginePair(TestEnginePairConfig{
		UDP:    true,
		Params: Params{AckTimeout: 30 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewTestEnginePair() error = %v", err)
	}
	defer pair.Close()

	pipe := pair.Pipe()
	pipe.SetCondition(transport.NetworkCondition{DropRate: 1.0})

	ch := make(chan e2eResult, 1)
	req := message.NewRequest(message.Confirmable, message.GET, "/flaky")
	ex, err := pair.Engine(0).Send(pair.PeerAddress(1, false), req, SendOptions{ExpectResponse: true}, e2eCallback(ch))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Restore the link after the first transmission was lost.
	time.Sleep(20 * time.Millisecond)
	pipe.SetCondition(transport.NetworkCondition{})

	r := waitResult(t, ch)
	if r.err != nil {
		t.Fatalf("callback error = %v", r.err)
	}
	if ex.Retransmits() < 1 {
		t.Errorf("Retransmits() = %d, want >= 1", ex.Retransmits())
	}
}

func TestE2E_Ping(t *testing.T) {
	for _, tcp := range []bool{false, true} {
		name := "UDP"
		if tcp {
			name = "TCP"
		}
		t.Run(name, func(t *testing.T) {
			pair, err := NewTestEnginePair(TestEnginePairConfig{UDP: !tcp, TCP: tcp})
			if err != nil {
				t.Fatalf("NewTestEnginePair() error = %v", err)
			}
			defer pair.Close()

			ch := make(chan e2eResult, 1)
			if _, err := pair.Engine(0).Ping(pair.PeerAddress(1, tcp), e2eCallback(ch)); err != nil {
				t.Fatalf("Ping() error = %v", err)
			}
			if r := waitResult(t, ch); r.err != nil {
				t.Errorf("Ping callback error = %v", r.err)
			}
		})
	}
}

func TestE2E_TCPRequest(t *testing.T) {
	pair, err := NewTestEnginePair(TestEnginePairConfig{TCP: true})
	if err != nil {
		t.Fatalf("NewTestEnginePair() error = %v", err)
	}
	defer pair.Close()

	ch := make(chan e2eResult, 2)
	for i, path := range []string{"/a", "/b"} {
		req := message.NewRequest(message.Confirmable, message.POST, path)
		req.Payload = []byte{byte(i)}
		if _, err := pair.Engine(0).Send(pair.PeerAddress(1, true), req, SendOptions{ExpectResponse: true}, e2eCallback(ch)); err != nil {
			t.Fatalf("Send(%s) error = %v", path, err)
		}
	}

	seen := map[byte]bool{}
	for i := 0; i < 2; i++ {
		r := waitResult(t, ch)
		if r.err != nil {
			t.Fatalf("callback error = %v", r.err)
		}
		if r.resp.Code != message.Content || len(r.resp.Payload) != 1 {
			t.Fatalf("unexpected response %v", r.resp)
		}
		seen[r.resp.Payload[0]] = true
	}
	if !seen[0] || !seen[1] {
		t.Errorf("responses = %v, want both payloads", seen)
	}
}
