// Command pgmsend is a thin CLI source: it binds a Transport, reads
// lines from stdin, and sends each as one APDU. Flag conventions
// follow the teacher's own cmd/ binaries (long name + usage string
// via pflag).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/MindFy/openpgm/internal/metrics"
	"github.com/MindFy/openpgm/internal/pgm"
	"github.com/MindFy/openpgm/internal/pgmconfig"
)

func main() {
	var (
		profilePath = pflag.StringP("profile", "p", "", "path to a transport profile YAML file")
		group       = pflag.StringP("group", "g", "239.192.0.1", "multicast group address")
		port        = pflag.IntP("port", "P", 7500, "source and destination UDP port")
		version     = pflag.BoolP("version", "v", false, "print build version and exit")
	)
	pflag.Parse()

	if *version {
		printVersion()
		return
	}

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

	gsi := [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, byte(os.Getpid())}
	cfg, err := profile.TransportConfig(gsi)
	if err != nil {
		logger.Fatal("building transport config", "err", err)
	}
	cfg.Logger = logger
	cfg.Metrics = metrics.New(prometheus.DefaultRegisterer, "pgmsend")

	sock, err := pgmconfig.NewUDPSocket(int(cfg.SourcePort), profile.Group, int(cfg.DestPort))
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
	go func() {
		if err := tr.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("transport run loop exited", "err", err)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := tr.Send(line); err != nil {
			logger.Error("send failed", "err", err)
		}
	}
}

func printVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("pgmsend: build info unavailable")
		return
	}
	fmt.Printf("pgmsend %s (go %s)\n", info.Main.Version, info.GoVersion)
}
