// Package flags configures the flag surface common to the daemon.
package flags

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/seamux/seamux/pkg/version"
)

// ConfigureAndParse adds the common flags and calls flag.Parse, so
// it must run after all other flags are registered. The returned
// debug level comes from -d (0..9).
func ConfigureAndParse() *int {
	debugLevel := flag.Int("d", 0, "debug verbosity, 0-9")
	printVersion := flag.Bool("V", false, "print version and exit")

	flag.Parse()

	SetDebugLevel(*debugLevel)
	maybePrintVersionAndExit(*printVersion)
	return debugLevel
}

// SetDebugLevel maps the 0-9 debug scale onto logrus levels.
func SetDebugLevel(level int) {
	switch {
	case level <= 0:
		log.SetLevel(log.WarnLevel)
	case level <= 2:
		log.SetLevel(log.InfoLevel)
	case level <= 5:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.TraceLevel)
	}
}

func maybePrintVersionAndExit(printVersion bool) {
	if printVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}
	log.Infof("running version %s", version.Version)
}
