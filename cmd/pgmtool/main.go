// Command pgmtool is a small diagnostic CLI: it validates a transport
// profile file without binding a socket, and reports build version.
// Grounded on the teacher's version.go build-info reporting.
package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/MindFy/openpgm/internal/pgmconfig"
)

// Set at build time via `-ldflags "-X 'main.pgmVersion=X'"`.
var pgmVersion string

func main() {
	var (
		validate = pflag.StringP("validate", "c", "", "validate a transport profile file and exit")
		verbose  = pflag.BoolP("verbose", "v", false, "print full build info")
	)
	pflag.Parse()

	if *validate != "" {
		runValidate(*validate)
		return
	}

	printVersion(*verbose)
}

func runValidate(path string) {
	profile, err := pgmconfig.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid profile: %v\n", err)
		os.Exit(1)
	}
	var gsi [6]byte
	if _, err := profile.TransportConfig(gsi); err != nil {
		fmt.Fprintf(os.Stderr, "invalid profile: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", profile)
}

func getBuildSetting(bi *debug.BuildInfo, key, def string) string {
	for _, bs := range bi.Settings {
		if bs.Key == key {
			return bs.Value
		}
	}
	return def
}

func printVersion(verbose bool) {
	buildInfo, _ := debug.ReadBuildInfo()

	buildTime := "UNKNOWN"
	buildCommit := "UNKNOWN"
	if buildInfo != nil {
		buildTime = getBuildSetting(buildInfo, "vcs.time", "UNKNOWN")
		buildCommit = getBuildSetting(buildInfo, "vcs.revision", "UNKNOWN")
		dirtyStr := getBuildSetting(buildInfo, "vcs.modified", "")
		if dirty, err := strconv.ParseBool(dirtyStr); err == nil && dirty {
			buildCommit += "-DIRTY"
		}
	}

	version := pgmVersion
	if version == "" {
		version = "!UNKNOWN!"
	}

	fmt.Printf("pgmtool - Version %s (revision %s, built at %s)\n", version, buildCommit, buildTime)
	if verbose && buildInfo != nil {
		fmt.Printf("\nBuildInfo: %+v\n", buildInfo)
	}
}
