// Command seamuxd is the NMEA-0183 multiplexing daemon: it reads
// sentences from every configured input, filters them, and fans each
// accepted sentence out to every configured output except the one it
// arrived on.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/seamux/seamux/pkg/admin"
	"github.com/seamux/seamux/pkg/config"
	"github.com/seamux/seamux/pkg/flags"
	"github.com/seamux/seamux/pkg/interfaces/discovery"
	"github.com/seamux/seamux/pkg/interfaces/fileio"
	"github.com/seamux/seamux/pkg/interfaces/seatalk"
	"github.com/seamux/seamux/pkg/interfaces/serial"
	"github.com/seamux/seamux/pkg/interfaces/tcp"
	"github.com/seamux/seamux/pkg/interfaces/udp"
	"github.com/seamux/seamux/pkg/mux"
)

// inits binds each interface type to its transport package.
var inits = map[mux.IfType]mux.InitFunc{
	mux.TypeFile:      fileio.Init,
	mux.TypeSerial:    serial.Init,
	mux.TypePTY:       serial.InitPTY,
	mux.TypeTCP:       tcp.Init,
	mux.TypeUDP:       udp.Init,
	mux.TypeBroadcast: udp.Init,
	mux.TypeMulticast: udp.Init,
	mux.TypeGoFree:    discovery.Init,
	mux.TypeSeaTalk:   seatalk.Init,
}

type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var opts stringList
	configFile := flag.String("f", "", "config file, or \"-\" to disable config loading")
	pidFile := flag.String("p", "", "pid file")
	adminAddr := flag.String("admin-addr", "", "address to serve metrics and pprof on")
	enablePprof := flag.Bool("enable-pprof", false, "enable pprof endpoints on the admin server")
	flag.Var(&opts, "o", "global option var=val (may be repeated)")
	debugLevel := flags.ConfigureAndParse()

	cfg := &config.Config{}
	path := *configFile
	if path == "" {
		path = config.DefaultPath()
	} else if path == "-" {
		path = ""
	}
	if path != "" {
		log.Infof("using config file %s", path)
		c, err := config.Load(path)
		if err != nil {
			log.Fatalf("error parsing config file: %s", err)
		}
		cfg = c
	}

	for _, o := range opts {
		if err := cfg.ApplyOverride(o); err != nil {
			log.Fatalf("%s", err)
		}
	}
	for _, arg := range flag.Args() {
		spec, err := config.ParseArg(arg)
		if err != nil {
			log.Fatalf("failed to parse interface specifier %s: %s", arg, err)
		}
		cfg.Interfaces = append(cfg.Interfaces, *spec)
	}

	if *debugLevel > 0 {
		cfg.Global.Debug = *debugLevel
	}
	flags.SetDebugLevel(cfg.Global.Debug)
	if *adminAddr != "" {
		cfg.Global.AdminAddr = *adminAddr
	}

	if *pidFile != "" {
		if err := writePIDFile(*pidFile); err != nil {
			log.Fatalf("%s", err)
		}
		defer os.Remove(*pidFile)
	}

	signal.Ignore(syscall.SIGPIPE)

	sup := mux.NewSupervisor(inits)
	if err := sup.Configure(cfg); err != nil {
		log.Fatalf("%s", err)
	}
	if err := sup.Init(); err != nil {
		log.Fatalf("%s", err)
	}

	if cfg.Global.AdminAddr != "" {
		adminServer := admin.NewServer(cfg.Global.AdminAddr, *enablePprof)
		go func() {
			log.Infof("starting admin server on %s", cfg.Global.AdminAddr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("admin server error (%s): %s", cfg.Global.AdminAddr, err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		// One shutdown request is enough; further signals are ignored
		// while the grace period runs.
		signal.Stop(stop)
		sup.Shutdown()
	}()

	if err := sup.Run(); err != nil {
		log.Fatalf("%s", err)
	}
}

// writePIDFile creates (or takes over) the pid file under an
// exclusive advisory lock held for the process lifetime.
func writePIDFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("could not create pid file: %w", err)
	}

	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
		return fmt.Errorf("pid file %s is locked by another instance: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("could not truncate pid file %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		return fmt.Errorf("could not write pid file %s: %w", path, err)
	}
	// Keep f open so the lock survives.
	return nil
}
