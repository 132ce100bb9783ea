package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/block"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/oscore"
	"github.com/backkem/coap/pkg/storage"
	"github.com/backkem/coap/pkg/transport"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newPair(t *testing.T, config TestEndpointPairConfig) *TestEndpointPair {
	t.Helper()
	pair, err := NewTestEndpointPair(config)
	if err != nil {
		t.Fatalf("NewTestEndpointPair() error = %v", err)
	}
	t.Cleanup(pair.Close)
	return pair
}

func echo(req *Request) *message.Message {
	resp := message.NewResponse(req.Message, message.Content)
	resp.Payload = append([]byte(nil), req.Message.Payload...)
	return resp
}

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countRole(ep *Endpoint, role observe.Role) int {
	n := 0
	for _, o := range ep.Observations() {
		if o.Role == role {
			n++
		}
	}
	return n
}

func TestEndpointRequests(t *testing.T) {
	for _, tcp := range []bool{false, true} {
		t.Run(fmt.Sprintf("tcp=%v", tcp), func(t *testing.T) {
			pair := newPair(t, TestEndpointPairConfig{TCP: tcp})
			server := pair.Endpoint(1)
			server.HandleFunc("/hello", func(req *Request) *message.Message {
				resp := message.NewResponse(req.Message, message.Content)
				resp.Payload = []byte("world")
				return resp
			})
			server.HandleFunc("echo", echo)

			client, peer := pair.Endpoint(0), pair.PeerAddress(1)
			ctx := testContext(t)

			resp, err := client.Get(ctx, peer, "hello")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if resp.Code != message.Content || string(resp.Payload) != "world" {
				t.Errorf("Get() = %s %q, want 2.05 %q", resp.Code, resp.Payload, "world")
			}

			resp, err = client.Post(ctx, peer, "echo", []byte("ping"))
			if err != nil {
				t.Fatalf("Post() error = %v", err)
			}
			if string(resp.Payload) != "ping" {
				t.Errorf("Post() payload = %q, want %q", resp.Payload, "ping")
			}

			resp, err = client.Get(ctx, peer, "missing")
			if err != nil {
				t.Fatalf("Get(missing) error = %v", err)
			}
			if resp.Code != message.NotFound {
				t.Errorf("Get(missing) code = %s, want 4.04", resp.Code)
			}

			if err := client.Ping(ctx, peer); err != nil {
				t.Errorf("Ping() error = %v", err)
			}
		})
	}
}

func TestEndpointLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sender = senderFunc(func([]byte, transport.PeerAddress) error { return nil })
	ep, err := NewEndpoint(cfg)
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	peer, _ := transport.UDPAddrFromString("127.0.0.1:5683")

	if ep.State() != EndpointStateInitialized {
		t.Errorf("State() = %s, want Initialized", ep.State())
	}
	if _, err := ep.Get(context.Background(), peer, "x"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Get() before Start error = %v, want ErrNotStarted", err)
	}
	if err := ep.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := ep.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := ep.Get(context.Background(), peer, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close error = %v, want ErrClosed", err)
	}
	if err := ep.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
}

func TestEndpointContextCancel(t *testing.T) {
	pair := newPair(t, TestEndpointPairConfig{})
	// The handler never answers: the request stays open after the empty ACK.
	pair.Endpoint(1).HandleFunc("slow", func(*Request) *message.Message {
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := pair.Endpoint(0).Get(ctx, pair.PeerAddress(1), "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestEndpointBlockwise(t *testing.T) {
	small := DefaultConfig()
	small.BlockSize = 64

	tests := []struct {
		name    string
		tcp     bool
		configs [2]*Config
		size    int
	}{
		{"udp both directions", false, [2]*Config{&small, &small}, 1000},
		{"tcp both directions", true, [2]*Config{&small, &small}, 1000},
		{"server prefers smaller blocks", false, [2]*Config{nil, &small}, 3000},
		{"single block", false, [2]*Config{&small, &small}, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair := newPair(t, TestEndpointPairConfig{TCP: tt.tcp, Configs: tt.configs})
			var got []byte
			pair.Endpoint(1).HandleFunc("echo", func(req *Request) *message.Message {
				got = append([]byte(nil), req.Message.Payload...)
				if req.Message.Options.Has(message.Block1) {
					t.Error("handler saw Block1")
				}
				return echo(req)
			})

			want := body(tt.size)
			resp, err := pair.Endpoint(0).Post(testContext(t), pair.PeerAddress(1), "echo", want)
			if err != nil {
				t.Fatalf("Post() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("server received %d bytes, want %d", len(got), len(want))
			}
			if !bytes.Equal(resp.Payload, want) {
				t.Errorf("client received %d bytes, want %d", len(resp.Payload), len(want))
			}
			if resp.Options.Has(message.Block2) {
				t.Error("reassembled response still carries Block2")
			}
		})
	}
}

func TestEndpointBlockwiseDisabled(t *testing.T) {
	off := DefaultConfig()
	off.BlockWise = false
	pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{&off, &off}})
	pair.Endpoint(1).HandleFunc("echo", echo)

	_, err := pair.Endpoint(0).Post(testContext(t), pair.PeerAddress(1), "echo", body(2000))
	if !errors.Is(err, block.ErrPayloadTooLarge) {
		t.Errorf("Post() error = %v, want ErrPayloadTooLarge", err)
	}

	resp, err := pair.Endpoint(0).Post(testContext(t), pair.PeerAddress(1), "echo", body(500))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if len(resp.Payload) != 500 {
		t.Errorf("payload = %d bytes, want 500", len(resp.Payload))
	}
}

func TestEndpointBlockwiseTooLarge(t *testing.T) {
	limited := DefaultConfig()
	limited.BlockSize = 16
	limited.MaxPayloadSize = 100
	client := DefaultConfig()
	client.BlockSize = 16
	pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{&client, &limited}})
	pair.Endpoint(1).HandleFunc("echo", echo)

	resp, err := pair.Endpoint(0).Post(testContext(t), pair.PeerAddress(1), "echo", body(200))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if resp.Code != message.RequestEntityTooLarge {
		t.Errorf("code = %s, want 4.13", resp.Code)
	}
}

type notifications struct {
	mu   sync.Mutex
	msgs []*message.Message
	errs []error
}

func (n *notifications) handle(_ *Observation, msg *message.Message, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.errs = append(n.errs, err)
		return
	}
	n.msgs = append(n.msgs, msg)
}

func (n *notifications) payloads() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.msgs))
	for i, m := range n.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func (n *notifications) ended() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}

func observable(value *string) Resource {
	return Resource{
		Observable: true,
		Handler: HandlerFunc(func(req *Request) *message.Message {
			resp := message.NewResponse(req.Message, message.Content)
			resp.Payload = []byte(*value)
			return resp
		}),
	}
}

func notify(t *testing.T, ep *Endpoint, path, payload string) {
	t.Helper()
	msg := &message.Message{Code: message.Content, Payload: []byte(payload)}
	n, err := ep.Notify(path, msg)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Notify() sent %d, want 1", n)
	}
}

func TestEndpointObserve(t *testing.T) {
	for _, confirmable := range []bool{false, true} {
		t.Run(fmt.Sprintf("confirmable=%v", confirmable), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ConfirmableNotifications = confirmable
			pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{nil, &cfg}})
			server, client := pair.Endpoint(1), pair.Endpoint(0)

			value := "v0"
			server.Handle("temp", observable(&value))

			var got notifications
			obs, err := client.Observe(testContext(t), pair.PeerAddress(1), "temp", got.handle)
			if err != nil {
				t.Fatalf("Observe() error = %v", err)
			}
			if countRole(server, observe.RoleServer) != 1 {
				t.Fatalf("server observers = %d, want 1", countRole(server, observe.RoleServer))
			}

			for _, v := range []string{"v1", "v2", "v3"} {
				notify(t, server, "/temp", v)
			}
			waitFor(t, "notifications", func() bool { return len(got.payloads()) == 4 })

			want := []string{"v0", "v1", "v2", "v3"}
			for i, p := range got.payloads() {
				if p != want[i] {
					t.Errorf("notification %d = %q, want %q", i, p, want[i])
				}
			}

			if err := obs.Cancel(testContext(t)); err != nil {
				t.Fatalf("Cancel() error = %v", err)
			}
			if n := countRole(server, observe.RoleServer); n != 0 {
				t.Errorf("server observers after Cancel = %d, want 0", n)
			}
			if n := countRole(client, observe.RoleClient); n != 0 {
				t.Errorf("client observations after Cancel = %d, want 0", n)
			}
		})
	}
}

func TestEndpointObserveNotObservable(t *testing.T) {
	pair := newPair(t, TestEndpointPairConfig{})
	pair.Endpoint(1).HandleFunc("plain", echo)

	_, err := pair.Endpoint(0).Observe(testContext(t), pair.PeerAddress(1), "plain", nil)
	if !errors.Is(err, ErrNotObservable) {
		t.Errorf("Observe() error = %v, want ErrNotObservable", err)
	}
	if n := countRole(pair.Endpoint(0), observe.RoleClient); n != 0 {
		t.Errorf("client observations = %d, want 0", n)
	}
}

func TestEndpointObserveDisabled(t *testing.T) {
	off := DefaultConfig()
	off.Observe = false
	pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{&off, &off}})

	if _, err := pair.Endpoint(0).Observe(testContext(t), pair.PeerAddress(1), "x", nil); !errors.Is(err, ErrObserveDisabled) {
		t.Errorf("Observe() error = %v, want ErrObserveDisabled", err)
	}
	if _, err := pair.Endpoint(1).Notify("x", &message.Message{Code: message.Content}); !errors.Is(err, ErrObserveDisabled) {
		t.Errorf("Notify() error = %v, want ErrObserveDisabled", err)
	}
}

func TestEndpointObserveResetCancelsObserver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfirmableNotifications = true
	pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{nil, &cfg}})
	server, client := pair.Endpoint(1), pair.Endpoint(0)

	value := "v0"
	server.Handle("temp", observable(&value))

	obs, err := client.Observe(testContext(t), pair.PeerAddress(1), "temp", nil)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	// Forget the observation without telling the server.
	client.forget(obs)

	notify(t, server, "temp", "v1")
	waitFor(t, "observer removal", func() bool { return countRole(server, observe.RoleServer) == 0 })
}

func TestEndpointObserveFinalResponse(t *testing.T) {
	pair := newPair(t, TestEndpointPairConfig{})
	server, client := pair.Endpoint(1), pair.Endpoint(0)
	value := "v0"
	server.Handle("temp", observable(&value))

	var got notifications
	if _, err := client.Observe(testContext(t), pair.PeerAddress(1), "temp", got.handle); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	// A notification without Observe is the final one.
	obs := server.Observations()[0]
	final := &message.Message{
		Type:    message.NonConfirmable,
		Code:    message.NotFound,
		Token:   obs.Token,
		Payload: []byte("gone"),
	}
	if _, err := server.engine.SendNotification(obs.Peer, final, nil); err != nil {
		t.Fatalf("SendNotification() error = %v", err)
	}

	waitFor(t, "observation end", func() bool { return got.ended() == 1 })
	if n := countRole(client, observe.RoleClient); n != 0 {
		t.Errorf("client observations = %d, want 0", n)
	}
}

func TestEndpointObserveBlockwise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = 32
	pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{&cfg, &cfg}})
	server, client := pair.Endpoint(1), pair.Endpoint(0)

	value := string(body(100))
	server.Handle("big", observable(&value))

	var got notifications
	if _, err := client.Observe(testContext(t), pair.PeerAddress(1), "big", got.handle); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	value = string(body(90))
	notify(t, server, "big", value)

	waitFor(t, "notifications", func() bool { return len(got.payloads()) == 2 })
	p := got.payloads()
	if len(p[0]) != 100 || len(p[1]) != 90 {
		t.Errorf("notification sizes = %d, %d; want 100, 90", len(p[0]), len(p[1]))
	}
}

// RFC 8613 Appendix C.1.1 parameters.
func securityPair(t *testing.T) (client, server oscore.Config) {
	client = oscore.Config{
		MasterSecret: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		MasterSalt:   []byte{0x9e, 0x7c, 0xa9, 0x22, 0x23, 0x78, 0x63, 0x40},
		SenderID:     []byte{},
		RecipientID:  []byte{0x01},
	}
	server = client
	server.SenderID, server.RecipientID = client.RecipientID, client.SenderID
	return client, server
}

type recordingMetrics struct {
	nopMetrics
	mu       sync.Mutex
	failures []string
}

func (m *recordingMetrics) SecurityFailure(reason string) {
	m.mu.Lock()
	m.failures = append(m.failures, reason)
	m.mu.Unlock()
}

func (m *recordingMetrics) reasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failures...)
}

func newSecurePair(t *testing.T, serverMetrics Metrics) *TestEndpointPair {
	t.Helper()
	clientCfg, serverCfg := DefaultConfig(), DefaultConfig()
	clientCfg.OSCORE, serverCfg.OSCORE = true, true
	serverCfg.Metrics = serverMetrics
	pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{&clientCfg, &serverCfg}})

	cc, sc := securityPair(t)
	ctx, err := pair.Endpoint(0).AddSecurityContext(cc)
	if err != nil {
		t.Fatalf("AddSecurityContext(client) error = %v", err)
	}
	pair.Endpoint(0).SetPeerContext(pair.PeerAddress(1), ctx)
	if _, err := pair.Endpoint(1).AddSecurityContext(sc); err != nil {
		t.Fatalf("AddSecurityContext(server) error = %v", err)
	}
	return pair
}

func TestEndpointOSCORE(t *testing.T) {
	pair := newSecurePair(t, nil)
	server, client, peer := pair.Endpoint(1), pair.Endpoint(0), pair.PeerAddress(1)

	var secured bool
	server.Handle("secret", Resource{
		Secure: true,
		Handler: HandlerFunc(func(req *Request) *message.Message {
			secured = req.Secured
			return echo(req)
		}),
	})

	resp, err := client.Post(testContext(t), peer, "secret", []byte("hidden"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if resp.Code != message.Content || string(resp.Payload) != "hidden" {
		t.Errorf("Post() = %s %q, want 2.05 %q", resp.Code, resp.Payload, "hidden")
	}
	if !secured {
		t.Error("handler did not see a secured request")
	}

	client.SetPeerContext(peer, nil)
	resp, err = client.Post(testContext(t), peer, "secret", []byte("plain"))
	if err != nil {
		t.Fatalf("unprotected Post() error = %v", err)
	}
	if resp.Code != message.Unauthorized {
		t.Errorf("unprotected Post() code = %s, want 4.01", resp.Code)
	}
}

func TestEndpointOSCOREBlockwise(t *testing.T) {
	pair := newSecurePair(t, nil)
	pair.Endpoint(1).HandleFunc("echo", echo)

	want := body(3000)
	resp, err := pair.Endpoint(0).Post(testContext(t), pair.PeerAddress(1), "echo", want)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if !bytes.Equal(resp.Payload, want) {
		t.Errorf("payload = %d bytes, want %d", len(resp.Payload), len(want))
	}
}

func TestEndpointOSCOREObserve(t *testing.T) {
	pair := newSecurePair(t, nil)
	server, client := pair.Endpoint(1), pair.Endpoint(0)
	value := "v0"
	server.Handle("temp", observable(&value))

	var got notifications
	obs, err := client.Observe(testContext(t), pair.PeerAddress(1), "temp", got.handle)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	notify(t, server, "temp", "v1")
	notify(t, server, "temp", "v2")
	waitFor(t, "notifications", func() bool { return len(got.payloads()) == 3 })

	if err := obs.Cancel(testContext(t)); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n := countRole(server, observe.RoleServer); n != 0 {
		t.Errorf("server observers = %d, want 0", n)
	}
}

func TestEndpointOSCOREWrongKey(t *testing.T) {
	m := &recordingMetrics{}
	pair := newSecurePair(t, m)
	pair.Endpoint(1).HandleFunc("echo", echo)

	cc, _ := securityPair(t)
	cc.MasterSecret = bytes.Repeat([]byte{0xAA}, 16)
	client := pair.Endpoint(0)
	ctx, err := client.AddSecurityContext(cc)
	if err != nil {
		t.Fatalf("AddSecurityContext() error = %v", err)
	}
	client.SetPeerContext(pair.PeerAddress(1), ctx)

	reqCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := client.Get(reqCtx, pair.PeerAddress(1), "echo"); err == nil {
		t.Fatal("Get() with the wrong key succeeded")
	}
	waitFor(t, "security failure", func() bool { return len(m.reasons()) > 0 })
	if got := m.reasons()[0]; got != "authentication" {
		t.Errorf("failure reason = %q, want %q", got, "authentication")
	}
}

func TestEndpointOSCOREForgedResponse(t *testing.T) {
	peer := transport.NewUDPPeerAddress(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 5683})
	cc, sc := securityPair(t)
	server := oscore.NewWrapper(oscore.WrapperConfig{})
	if _, err := server.AddContext(sc); err != nil {
		t.Fatalf("AddContext() error = %v", err)
	}

	m := &recordingMetrics{}
	cfg := DefaultConfig()
	cfg.OSCORE = true
	cfg.Metrics = m

	var (
		client *Endpoint
		once   sync.Once
	)
	deliver := func(msg *message.Message) {
		data, err := msg.MarshalBinary()
		if err != nil {
			t.Errorf("MarshalBinary() error = %v", err)
			return
		}
		client.HandleInbound(&transport.ReceivedMessage{Data: data, PeerAddr: peer})
	}
	// The peer answers the first transmission with a forged ACK carrying
	// the right message ID and token, then with the genuine response.
	cfg.Sender = senderFunc(func(data []byte, _ transport.PeerAddress) error {
		req, err := message.Decode(data)
		if err != nil || !req.Code.IsRequest() {
			return err
		}
		once.Do(func() {
			go func() {
				inner, b, err := server.UnprotectRequest(req)
				if err != nil {
					t.Errorf("UnprotectRequest() error = %v", err)
					return
				}
				forged := &message.Message{
					Type:      message.Acknowledgement,
					Code:      message.Changed,
					MessageID: req.MessageID,
					Token:     req.Token,
					Payload:   bytes.Repeat([]byte{0x5A}, 16),
				}
				forged.Options = forged.Options.Set(message.OSCORE, nil)
				deliver(forged)

				resp := message.NewResponse(inner, message.Content)
				resp.Payload = []byte("genuine")
				protected, err := server.ProtectResponse(resp, b)
				if err != nil {
					t.Errorf("ProtectResponse() error = %v", err)
					return
				}
				protected.Type = message.Acknowledgement
				protected.MessageID = req.MessageID
				protected.Token = req.Token
				deliver(protected)
			}()
		})
		return nil
	})

	var err error
	if client, err = NewEndpoint(cfg); err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	defer client.Close()
	if err := client.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx, err := client.AddSecurityContext(cc)
	if err != nil {
		t.Fatalf("AddSecurityContext() error = %v", err)
	}
	client.SetPeerContext(peer, ctx)

	resp, err := client.Get(testContext(t), peer, "secret")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.Code != message.Content || string(resp.Payload) != "genuine" {
		t.Errorf("Get() = %s %q, want 2.05 %q", resp.Code, resp.Payload, "genuine")
	}
	if got := m.reasons(); len(got) != 1 || got[0] != "authentication" {
		t.Errorf("security failures = %v, want [authentication]", got)
	}
}

func TestEndpointOSCOREDisabled(t *testing.T) {
	pair := newPair(t, TestEndpointPairConfig{})
	cc, _ := securityPair(t)
	if _, err := pair.Endpoint(0).AddSecurityContext(cc); !errors.Is(err, ErrOSCOREDisabled) {
		t.Errorf("AddSecurityContext() error = %v, want ErrOSCOREDisabled", err)
	}
}

func TestEndpointPersistence(t *testing.T) {
	store := storage.NewMemoryStorage()
	serverCfg := DefaultConfig()
	serverCfg.ObservePersistence = true
	serverCfg.Storage = store

	pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{nil, &serverCfg}})
	value := "v0"
	pair.Endpoint(1).Handle("temp", observable(&value))
	obs, err := pair.Endpoint(0).Observe(testContext(t), pair.PeerAddress(1), "temp", nil)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if err := pair.Endpoint(1).Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	restartCfg := serverCfg
	restartCfg.Sender = senderFunc(func([]byte, transport.PeerAddress) error { return nil })
	restarted, err := NewEndpoint(restartCfg)
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	defer restarted.Close()

	got := restarted.Observations()
	if len(got) != 1 {
		t.Fatalf("restored %d observations, want 1", len(got))
	}
	if !got[0].Token.Equal(obs.Token()) || got[0].Resource != "/temp" || !got[0].Restored {
		t.Errorf("restored %+v, want token %s on /temp", got[0], obs.Token())
	}
	if got[0].Role != observe.RoleServer {
		t.Errorf("restored role = %s, want Server", got[0].Role)
	}
}

func TestEndpointPersistenceCorrupt(t *testing.T) {
	store := storage.NewMemoryStorage()
	if err := store.Save(storage.KeyObservations, []byte{0xFF, 0x00}); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.ObservePersistence = true
	cfg.Storage = store
	cfg.Sender = senderFunc(func([]byte, transport.PeerAddress) error { return nil })

	if _, err := NewEndpoint(cfg); err == nil {
		t.Error("NewEndpoint() with a corrupt snapshot succeeded")
	}
}

func TestEndpointSequencePersistence(t *testing.T) {
	store := storage.NewMemoryStorage()
	cfg := DefaultConfig()
	cfg.OSCORE = true
	cfg.Storage = store
	cfg.Sender = senderFunc(func([]byte, transport.PeerAddress) error { return nil })

	cc, _ := securityPair(t)
	cc.InitialSequence = 42

	ep, err := NewEndpoint(cfg)
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	if _, err := ep.AddSecurityContext(cc); err != nil {
		t.Fatalf("AddSecurityContext() error = %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	cc.InitialSequence = 0
	ep, err = NewEndpoint(cfg)
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	defer ep.Close()
	ctx, err := ep.AddSecurityContext(cc)
	if err != nil {
		t.Fatalf("AddSecurityContext() error = %v", err)
	}
	if got := ctx.SenderSequence(); got != 42 {
		t.Errorf("SenderSequence() = %d, want 42", got)
	}
}

func TestEndpointExchangeTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckTimeout = 10 * time.Millisecond
	cfg.MaxRetransmit = 1
	pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{&cfg, nil}})
	pair.Pipe().SetCondition(transport.NetworkCondition{DropRate: 1})

	_, err := pair.Endpoint(0).Get(testContext(t), pair.PeerAddress(1), "x")
	if !errors.Is(err, exchange.ErrExchangeTimedOut) {
		t.Errorf("Get() error = %v, want ErrExchangeTimedOut", err)
	}
}

func TestEndpointObserveReregistrationTimeout(t *testing.T) {
	for _, cancel := range []bool{true, false} {
		t.Run(fmt.Sprintf("cancel=%v", cancel), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.AckTimeout = 10 * time.Millisecond
			cfg.MaxRetransmit = 1
			cfg.ObserveCancelOnTimeout = cancel
			pair := newPair(t, TestEndpointPairConfig{Configs: [2]*Config{&cfg, nil}})
			server, client := pair.Endpoint(1), pair.Endpoint(0)

			// Max-Age 0 lets the observation expire right after the
			// registration, which triggers a re-registration.
			server.Handle("temp", Resource{
				Observable: true,
				Handler: HandlerFunc(func(req *Request) *message.Message {
					resp := message.NewResponse(req.Message, message.Content)
					resp.Options = resp.Options.SetUint(message.MaxAge, 0)
					resp.Payload = []byte("v0")
					return resp
				}),
			})

			var got notifications
			if _, err := client.Observe(testContext(t), pair.PeerAddress(1), "temp", got.handle); err != nil {
				t.Fatalf("Observe() error = %v", err)
			}
			pair.Pipe().SetCondition(transport.NetworkCondition{DropRate: 1})

			if cancel {
				waitFor(t, "observation end", func() bool { return got.ended() == 1 })
				if n := countRole(client, observe.RoleClient); n != 0 {
					t.Errorf("client observations = %d, want 0", n)
				}
				return
			}

			// Expiry, two transmissions and the response wait fit well
			// inside this window.
			time.Sleep(300 * time.Millisecond)
			if n := got.ended(); n != 0 {
				t.Errorf("observation ended %d times, want 0", n)
			}
			if n := countRole(client, observe.RoleClient); n != 1 {
				t.Errorf("client observations = %d, want 1", n)
			}
		})
	}
}
