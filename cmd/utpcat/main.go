// Command utpcat is a netcat-over-uTP smoke-test tool: it either listens
// for or dials a single uTP connection and pipes stdin/stdout through it.
// It is not part of the library's public API surface.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/quietharbor/goutp/utp"
	"github.com/quietharbor/goutp/utplog"
)

const version = "0.1.0"

type config struct {
	listen   string
	dial     string
	logLevel string
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.listen, "listen", "", "address to listen on, e.g. 0.0.0.0:9001")
	flag.StringVar(&cfg.dial, "dial", "", "peer address to dial, e.g. 127.0.0.1:9001")
	flag.StringVar(&cfg.logLevel, "loglevel", "info", "log level: debug, info, warn, error")
	flag.Parse()
	return cfg
}

func banner() {
	fmt.Printf("utpcat %s - a uTP connection piped through stdin/stdout\n", version)
}

func main() {
	banner()
	cfg := parseFlags()

	if cfg.listen == "" && cfg.dial == "" {
		fmt.Fprintln(os.Stderr, "one of -listen or -dial is required")
		os.Exit(2)
	}

	if level, err := logrus.ParseLevel(cfg.logLevel); err == nil {
		utplog.SetLevel(level)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- run(cfg) }()

	select {
	case err := <-errChan:
		if err != nil && err != io.EOF {
			fmt.Fprintf(os.Stderr, "utpcat: %v\n", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		fmt.Fprintf(os.Stderr, "utpcat: received %v, shutting down\n", sig)
	}
}

func run(cfg config) error {
	endpoint, err := connect(cfg)
	if err != nil {
		return err
	}
	defer endpoint.Close()
	return pipe(endpoint)
}

func connect(cfg config) (*utp.Endpoint, error) {
	if cfg.listen != "" {
		ln, err := utp.Listen(cfg.listen)
		if err != nil {
			return nil, err
		}
		defer ln.Close()
		return ln.Accept()
	}
	return utp.Dial(cfg.dial)
}

func pipe(endpoint *utp.Endpoint) error {
	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(endpoint, os.Stdin)
		done <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, endpoint)
		done <- err
	}()
	return <-done
}
