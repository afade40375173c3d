// Command pgm-exporter serves the process's Prometheus metrics over
// HTTP, the same bare promhttp.Handler wiring the pack's own exporter
// binaries use (runZeroInc-sockstats/pkg/exporter,
// runZeroInc-conniver's exporter command) rather than a bespoke
// encoder.
package main

import (
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	var (
		listen = pflag.StringP("listen", "l", ":9209", "address to serve /metrics on")
		path   = pflag.StringP("path", "m", "/metrics", "HTTP path to serve metrics under")
	)
	pflag.Parse()

	logger := log.New(os.Stderr)

	mux := http.NewServeMux()
	mux.Handle(*path, promhttp.Handler())

	logger.Info("serving metrics", "listen", *listen, "path", *path)
	if err := http.ListenAndServe(*listen, mux); err != nil {
		logger.Fatal("exporter exited", "err", err)
	}
}
