// Command pgmrecv binds a Transport in receive-only mode and prints
// each reassembled APDU to stdout, one per line, until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/MindFy/openpgm/internal/metrics"
	"github.com/MindFy/openpgm/internal/pgm"
	"github.com/MindFy/openpgm/internal/pgmconfig"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
)

func main() {
	var (
		profilePath = pflag.StringP("profile", "p", "", "path to a transport profile YAML file")
		group       = pflag.StringP("group", "g", "239.192.0.1", "multicast group address")
		port        = pflag.IntP("port", "P", 7500, "source and destination UDP port")
	)
	pflag.Parse()

	logger := log.New(os.Stderr)

	var profile *pgmconfig.Profile
	if *profilePath != "" {
		p, err := pgmconfig.Load(*profilePath)
		if err != nil {
			logger.Fatal("loading profile", "err", err)
		}
		profile = p
	} else {
		profile = &pgmconfig.Profile{
			Group: *group, SourcePort: uint16(*port), DestPort: uint16(*port),
			TPDU: 1500, TXWSqns: 4096, RXWSqns: 4096,
			RateBytesPerSec: 1 << 20,
			NakDataRetries:  5, NakNcfRetries: 2,
		}
	}

	gsi := [6]byte{0x06, 0x07, 0x08, 0x09, 0x0a, byte(os.Getpid())}
	cfg, err := profile.TransportConfig(gsi)
	if err != nil {
		logger.Fatal("building transport config", "err", err)
	}
	cfg.Logger = logger
	cfg.Metrics = metrics.New(prometheus.DefaultRegisterer, "pgmrecv")
	cfg.OnData = func(tsi skb.TSI, data []byte) {
		fmt.Printf("%x: %s\n", tsi, data)
	}
	cfg.OnReset = func(tsi skb.TSI, firstSqn, lastSqn sqn.Sqn) {
		logger.Warn("receive window reset", "tsi", tsi, "first_sqn", firstSqn, "last_sqn", lastSqn)
	}

	sock, err := pgmconfig.NewUDPSocket(int(cfg.DestPort), profile.Group, int(cfg.SourcePort))
	if err != nil {
		logger.Fatal("binding socket", "err", err)
	}
	defer sock.Close()

	tr, err := pgm.New(cfg, sock, 0)
	if err != nil {
		logger.Fatal("constructing transport", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := tr.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("transport run loop exited", "err", err)
	}
}
