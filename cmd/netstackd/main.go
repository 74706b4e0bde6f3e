package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-netstack/netstack/pkg/kernel"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/netlog"
	"github.com/go-netstack/netstack/pkg/stack"
)

func main() {
	ifaceName := flag.String("iface", "", "host interface to capture on (e.g. eth0)")
	ip := flag.String("ip", "", "this stack's IPv4 address, a.b.c.d")
	netmask := flag.String("netmask", "255.255.255.0", "IPv4 netmask, a.b.c.d")
	gateway := flag.String("gateway", "", "default gateway IPv4 address, a.b.c.d (optional)")
	metricsAddr := flag.String("metrics-addr", ":9100", "address to serve /metrics on")
	flag.Parse()

	if *ifaceName == "" || *ip == "" {
		fmt.Fprintln(os.Stderr, "usage: netstackd -iface eth0 -ip 10.0.0.2 [-netmask 255.255.255.0] [-gateway 10.0.0.1]")
		os.Exit(2)
	}

	if v, err := kernel.Version(); err == nil {
		netlog.Log.WithField("kernel", v.String()).Info("starting netstackd")
	} else {
		netlog.Log.WithError(err).Warn("could not determine kernel version")
	}

	s := stack.New()

	cfg := netif.Config{
		Name:    *ifaceName,
		IP:      parseIP(*ip),
		Netmask: parseIP(*netmask),
	}
	if *gateway != "" {
		cfg.Gateway = parseIP(*gateway)
	}

	nif, err := s.AddInterface(&afPacketDriver{}, cfg)
	if err != nil {
		netlog.Log.WithError(err).Fatal("failed to bring up interface")
	}
	netlog.Log.WithField("interface", nif.Name).WithField("hwaddr", nif.HWAddr.String()).Info("interface up")

	prometheus.MustRegister(s.Stats)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			netlog.Log.WithError(err).Error("metrics server exited")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	netlog.Log.WithField("addr", *metricsAddr).Info("serving metrics")
	if err := s.Run(ctx); err != nil {
		netlog.Log.WithError(err).Fatal("dispatcher exited")
	}

	netif.Close(nif)
}

func parseIP(s string) [4]byte {
	var out [4]byte
	var a, b, c, d int
	fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	out[0], out[1], out[2], out[3] = byte(a), byte(b), byte(c), byte(d)
	return out
}
