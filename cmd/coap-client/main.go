// coap-client sends one request to a CoAP server, or observes a resource.
//
// Usage:
//
//	coap-client [options] <method> <path>
//
// Options:
//
//	-config    TOML configuration file
//	-peer      Server address, "udp:host:port" or "tcp:host:port"
//	-discover  Find the server over DNS-SD by resource type instead of -peer
//	-payload   Request payload
//	-non       Send the request non-confirmable
//	-observe   Observe the resource for this long (0 = plain request)
//	-ping      Ping the server and exit
//	-timeout   Request timeout (default: 30s)
//	-tcp       Enable CoAP over TCP
//	-storage   Path for persistent storage (default: in-memory)
//	-log       Log level (default: info)
//	-block     Preferred block size (default: 1024)
//
// Example:
//
//	coap-client -peer udp:localhost:5683 get /hello
//	coap-client -discover time -observe 1m get /time
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/backkem/coap/examples/common"
	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/rs/zerolog"
)

var methods = map[string]message.Code{
	"get":    message.GET,
	"post":   message.POST,
	"put":    message.PUT,
	"delete": message.DELETE,
}

func main() {
	opts := common.RegisterFlags()
	peerFlag := flag.String("peer", "", `Server address ("udp:host:port" or "tcp:host:port")`)
	discover := flag.String("discover", "", "Find the server over DNS-SD by resource type")
	payload := flag.String("payload", "", "Request payload")
	non := flag.Bool("non", false, "Send the request non-confirmable")
	observeFor := flag.Duration("observe", 0, "Observe the resource for this long (0 = plain request)")
	ping := flag.Bool("ping", false, "Ping the server and exit")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	flag.Usage = func() { common.PrintUsage("<method> <path>") }
	flag.Parse()

	if !*ping && flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := opts.Config()
	if err != nil {
		fatal(nil, err, "invalid configuration")
	}
	if !isFlagSet("port") {
		cfg.AnyPort = true
	}

	rt, err := common.CreateEndpoint("coap-client", opts, cfg, nil)
	if err != nil {
		fatal(nil, err, "failed to create endpoint")
	}
	log := rt.Log
	defer rt.Close()

	if err := rt.Endpoint.Start(); err != nil {
		fatal(log, err, "failed to start endpoint")
	}

	ctx, stop := common.SignalContext()
	defer stop()

	peer, err := resolvePeer(ctx, *peerFlag, *discover, cfg.TCP, rt)
	if err != nil {
		fatal(log, err, "no server")
	}

	if *ping {
		pctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		start := time.Now()
		if err := rt.Endpoint.Ping(pctx, peer); err != nil {
			fatal(log, err, "ping failed")
		}
		fmt.Printf("pong from %s in %s\n", peer, time.Since(start).Round(time.Microsecond))
		return
	}

	code, ok := methods[strings.ToLower(flag.Arg(0))]
	if !ok {
		fatal(log, fmt.Errorf("unknown method %q", flag.Arg(0)), "invalid arguments")
	}
	path := flag.Arg(1)

	if *observeFor > 0 {
		if code != message.GET {
			fatal(log, errors.New("observe needs GET"), "invalid arguments")
		}
		observe(ctx, rt.Endpoint, peer, path, *observeFor, *timeout, log)
		return
	}

	typ := message.Confirmable
	if *non {
		typ = message.NonConfirmable
	}
	req := message.NewRequest(typ, code, path)
	req.Payload = []byte(*payload)

	rctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	resp, err := rt.Endpoint.Do(rctx, peer, req)
	if err != nil {
		fatal(log, err, "request failed")
	}
	printResponse(resp)
}

// observe prints notifications until d has passed or the observation ends,
// then deregisters.
func observe(ctx context.Context, ep *coap.Endpoint, peer transport.PeerAddress, path string, d, timeout time.Duration, log *zerolog.Logger) {
	ended := make(chan error, 1)
	rctx, cancel := context.WithTimeout(ctx, timeout)
	obs, err := ep.Observe(rctx, peer, path, func(_ *coap.Observation, msg *message.Message, err error) {
		if err != nil {
			select {
			case ended <- err:
			default:
			}
			return
		}
		printResponse(msg)
	})
	cancel()
	if err != nil {
		fatal(log, err, "observe failed")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-ended:
		log.Info().Err(err).Msg("observation ended by server")
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	cctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := obs.Cancel(cctx); err != nil {
		log.Warn().Err(err).Msg("deregistration failed")
	}
}

// resolvePeer parses -peer or, without it, discovers a server offering rt.
func resolvePeer(ctx context.Context, peer, rt string, tcp bool, r *common.Runtime) (transport.PeerAddress, error) {
	if peer != "" {
		return coap.ParsePeer(peer)
	}
	if rt == "" {
		return transport.PeerAddress{}, errors.New("either -peer or -discover is required")
	}
	resolver, err := discovery.NewResolver(discovery.ResolverConfig{LoggerFactory: r.Loggers})
	if err != nil {
		return transport.PeerAddress{}, err
	}
	st := discovery.ServiceTypeUDP
	if tcp {
		st = discovery.ServiceTypeTCP
	}
	svc, err := resolver.Discover(ctx, st, rt)
	if err != nil {
		return transport.PeerAddress{}, err
	}
	r.Log.Info().Str("instance", svc.InstanceName).Int("port", svc.Port).Msg("discovered server")
	return svc.PeerAddress()
}

func printResponse(msg *message.Message) {
	fmt.Println(msg.Code)
	if seq, ok := msg.Observe(); ok {
		fmt.Printf("observe: %d\n", seq)
	}
	if len(msg.Payload) > 0 {
		fmt.Println(string(msg.Payload))
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func fatal(log *zerolog.Logger, err error, msg string) {
	if log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		log = &l
	}
	log.Fatal().Err(err).Msg(msg)
}
