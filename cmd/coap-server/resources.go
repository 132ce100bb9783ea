package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// Content formats (RFC 7252 Section 12.3).
const (
	formatText        = 0
	formatLinkFormat  = 40
	formatOctetStream = 42
)

const (
	wellKnownCore = "/.well-known/core"

	// clockMaxAge is the Max-Age of /time in seconds.
	clockMaxAge = 5
)

// resource is one served path and its CoRE link attributes.
type resource struct {
	path       string
	rt         string
	observable bool
	secure     bool
	handler    coap.HandlerFunc
}

// server holds the demo resources of coap-server.
type server struct {
	ep        *coap.Endpoint
	log       logging.LeveledLogger
	resources []resource

	mu    sync.Mutex
	value []byte
	now   func() time.Time
}

// newServer registers the demo resources on ep. The secure resource is
// only served when secure is set.
func newServer(ep *coap.Endpoint, secure bool, lf logging.LoggerFactory) *server {
	s := &server{ep: ep, value: []byte{}, now: time.Now}
	if lf != nil {
		s.log = lf.NewLogger("server")
	}
	s.resources = []resource{
		{path: "/hello", rt: "hello", handler: s.hello},
		{path: "/time", rt: "time", observable: true, handler: s.time},
		{path: "/store", rt: "store", observable: true, handler: s.store},
	}
	if secure {
		s.resources = append(s.resources, resource{path: "/secure", rt: "secure", secure: true, handler: s.secret})
	}

	for _, r := range s.resources {
		ep.Handle(r.path, coap.Resource{Handler: r.handler, Observable: r.observable, Secure: r.secure})
	}
	ep.HandleFunc(wellKnownCore, s.discovery)
	return s
}

// ResourceTypes returns the sorted "rt" values of the served resources.
func (s *server) ResourceTypes() []string {
	rts := make([]string, 0, len(s.resources))
	for _, r := range s.resources {
		rts = append(rts, r.rt)
	}
	sort.Strings(rts)
	return rts
}

// linkFormat renders the resources in CoRE Link Format (RFC 6690).
func (s *server) linkFormat() string {
	links := make([]string, 0, len(s.resources))
	for _, r := range s.resources {
		link := fmt.Sprintf("<%s>;rt=%q", r.path, r.rt)
		if r.observable {
			link += ";obs"
		}
		links = append(links, link)
	}
	return strings.Join(links, ",")
}

func (s *server) discovery(req *coap.Request) *message.Message {
	if req.Message.Code != message.GET {
		return message.NewResponse(req.Message, message.MethodNotAllowed)
	}
	resp := message.NewResponse(req.Message, message.Content)
	resp.Options = resp.Options.SetUint(message.ContentFormat, formatLinkFormat)
	resp.Payload = []byte(s.linkFormat())
	return resp
}

func (s *server) hello(req *coap.Request) *message.Message {
	if req.Message.Code != message.GET {
		return message.NewResponse(req.Message, message.MethodNotAllowed)
	}
	return textResponse(req.Message, message.Content, "Hello, CoAP")
}

func (s *server) secret(req *coap.Request) *message.Message {
	return textResponse(req.Message, message.Content, "only over OSCORE")
}

func (s *server) time(req *coap.Request) *message.Message {
	if req.Message.Code != message.GET {
		return message.NewResponse(req.Message, message.MethodNotAllowed)
	}
	resp := textResponse(req.Message, message.Content, s.now().UTC().Format(time.RFC3339))
	resp.Options = resp.Options.SetUint(message.MaxAge, clockMaxAge)
	return resp
}

// store keeps one opaque value. Changes are pushed to its observers.
func (s *server) store(req *coap.Request) *message.Message {
	s.mu.Lock()
	switch req.Message.Code {
	case message.GET:
		resp := message.NewResponse(req.Message, message.Content)
		resp.Options = resp.Options.SetUint(message.ContentFormat, formatOctetStream)
		resp.Payload = append([]byte(nil), s.value...)
		s.mu.Unlock()
		return resp
	case message.PUT:
		s.value = append([]byte(nil), req.Message.Payload...)
	case message.POST:
		s.value = append(s.value, req.Message.Payload...)
	case message.DELETE:
		s.value = []byte{}
	default:
		s.mu.Unlock()
		return message.NewResponse(req.Message, message.MethodNotAllowed)
	}
	value := append([]byte(nil), s.value...)
	s.mu.Unlock()

	code := message.Changed
	if req.Message.Code == message.DELETE {
		code = message.Deleted
	}
	// Notify from a separate goroutine: the handler runs on the receive path.
	go s.publish("/store", &message.Message{Code: message.Content, Payload: value})
	return message.NewResponse(req.Message, code)
}

// tick pushes the current time to the observers of /time.
func (s *server) tick() {
	msg := &message.Message{Code: message.Content, Payload: []byte(s.now().UTC().Format(time.RFC3339))}
	msg.Options = msg.Options.SetUint(message.ContentFormat, formatText)
	msg.Options = msg.Options.SetUint(message.MaxAge, clockMaxAge)
	s.publish("/time", msg)
}

func (s *server) publish(path string, msg *message.Message) {
	n, err := s.ep.Notify(path, msg)
	if s.log == nil {
		return
	}
	if err != nil {
		s.log.Warnf("notify %s: %v", path, err)
		return
	}
	if n > 0 {
		s.log.Debugf("notified %d observers of %s", n, path)
	}
}

// run ticks the clock every interval until ctx is done.
func (s *server) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func textResponse(req *message.Message, code message.Code, text string) *message.Message {
	resp := message.NewResponse(req, code)
	resp.Options = resp.Options.SetUint(message.ContentFormat, formatText)
	resp.Payload = []byte(text)
	return resp
}
