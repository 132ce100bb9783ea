// coap-server is a CoAP server with a few demo resources.
//
// It serves /hello, an observable clock at /time, an observable value
// store at /store and, with OSCORE enabled, /secure. The resources are
// listed at /.well-known/core and advertised over DNS-SD.
//
// Usage:
//
//	coap-server [options]
//
// Options:
//
//	-config    TOML configuration file
//	-port      UDP/TCP port (default: 5683)
//	-tcp       Enable CoAP over TCP
//	-storage   Path for persistent storage (default: in-memory)
//	-log       Log level (default: info)
//	-block     Preferred block size (default: 1024)
//	-name      DNS-SD instance name (default: coap-<host>)
//	-advertise Advertise over DNS-SD (default: true)
//	-metrics   Address for the Prometheus endpoint (default: off)
//	-interval  Clock notification interval (default: 5s)
//
// Example:
//
//	coap-server -tcp -metrics :9100
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/backkem/coap/examples/common"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	opts := common.RegisterFlags()
	name := flag.String("name", "", "DNS-SD instance name (default: coap-<host>)")
	advertise := flag.Bool("advertise", true, "Advertise over DNS-SD")
	metricsAddr := flag.String("metrics", "", "Address for the Prometheus endpoint (empty = off)")
	interval := flag.Duration("interval", 5*time.Second, "Clock notification interval")
	flag.Usage = func() { common.PrintUsage("") }
	flag.Parse()

	cfg, err := opts.Config()
	if err != nil {
		fatal(nil, err, "invalid configuration")
	}

	var reg *prometheus.Registry
	if *metricsAddr != "" {
		reg = prometheus.NewRegistry()
	}
	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}

	rt, err := common.CreateEndpoint("coap-server", opts, cfg, registerer)
	if err != nil {
		fatal(nil, err, "failed to create endpoint")
	}
	log := rt.Log

	srv := newServer(rt.Endpoint, cfg.OSCORE, rt.Loggers)
	if err := rt.Endpoint.Start(); err != nil {
		fatal(log, err, "failed to start endpoint")
	}

	ctx, stop := common.SignalContext()
	defer stop()

	if reg != nil {
		common.ServeMetrics(ctx, *metricsAddr, reg, log)
	}

	if *advertise {
		adv, err := startAdvertiser(ctx, srv, cfg.Port, *name, rt)
		if err != nil {
			log.Warn().Err(err).Msg("DNS-SD advertising disabled")
		} else {
			defer adv.Close()
		}
	}

	for _, addr := range rt.Endpoint.LocalAddresses() {
		log.Info().Str("addr", addr.String()).Msg("listening")
	}

	go srv.run(ctx, *interval)
	<-ctx.Done()

	log.Info().Msg("shutting down")
	if err := rt.Close(); err != nil {
		log.Error().Err(err).Msg("close failed")
	}
}

// startAdvertiser publishes _coap._udp and, when enabled, _coap._tcp with
// the served resource types.
func startAdvertiser(ctx context.Context, srv *server, port int, name string, rt *common.Runtime) (*discovery.AdvertiserWithContext, error) {
	adv, err := discovery.NewAdvertiserWithContext(ctx, discovery.AdvertiserConfig{
		InstanceName:  name,
		Port:          port,
		LoggerFactory: rt.Loggers,
	})
	if err != nil {
		return nil, err
	}

	cfg := rt.Endpoint.Config()
	txt := discovery.ServiceTXT{
		ResourceTypes: srv.ResourceTypes(),
		Observe:       cfg.Observe,
		OSCORE:        cfg.OSCORE,
	}
	if cfg.BlockWise {
		txt.BlockSize = cfg.BlockSize
	}

	types := []discovery.ServiceType{}
	if cfg.UDP {
		types = append(types, discovery.ServiceTypeUDP)
	}
	if cfg.TCP {
		types = append(types, discovery.ServiceTypeTCP)
	}
	for _, st := range types {
		if err := adv.Start(st, txt); err != nil {
			adv.Close()
			return nil, err
		}
	}
	return adv, nil
}

func fatal(log *zerolog.Logger, err error, msg string) {
	if log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		log = &l
	}
	log.Fatal().Err(err).Msg(msg)
}
