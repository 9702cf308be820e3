// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command busctl is a reference client binary: it dials a bus address,
// completes authentication, sends one message from stdin (or a literal
// string via -body), and prints whatever comes back.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	dbustransport "code.hybscloud.com/dbustransport"
	"code.hybscloud.com/dbustransport/eventloop"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"
)

type printSink struct{ logger *log.Logger }

func (s printSink) Deliver(msg *dbustransport.Message) {
	fmt.Fprintf(os.Stdout, "%s\n", msg.Body)
}

func mechanismsFromNames(names []string) []dbustransport.Mechanism {
	out := make([]dbustransport.Mechanism, 0, len(names))
	for _, n := range names {
		switch n {
		case "EXTERNAL":
			out = append(out, dbustransport.ExternalMechanism{})
		case "DBUS_COOKIE_SHA1":
			out = append(out, &dbustransport.CookieMechanism{})
		case "ANONYMOUS":
			out = append(out, dbustransport.AnonymousMechanism{})
		}
	}
	if len(out) == 0 {
		out = append(out, dbustransport.ExternalMechanism{}, dbustransport.AnonymousMechanism{})
	}
	return out
}

func runClient(c *cli.Context) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if c.Bool("debug") {
		logger.SetLevel(log.DebugLevel)
	}

	addrStr := c.String("address")
	if addrStr == "" {
		return fmt.Errorf("busctl: -address is required")
	}
	addr, err := dbustransport.ParseAddress(addrStr)
	if err != nil {
		return fmt.Errorf("busctl: %w", err)
	}

	sink := printSink{logger: logger}
	loader := dbustransport.NewDefaultLoader(sink, 0)
	mechs := mechanismsFromNames(c.StringSlice("mechanism"))

	var t *dbustransport.StreamTransport
	switch addr.Kind {
	case "unix":
		t, err = dbustransport.DialUnix(addr, loader, mechs...)
	case "tcp":
		t, err = dbustransport.DialTCP(addr, loader, mechs...)
	default:
		return fmt.Errorf("busctl: unsupported address kind %q", addr.Kind)
	}
	if err != nil {
		return fmt.Errorf("busctl: dial: %w", err)
	}

	loop := eventloop.New(logger, sink)
	if err := loop.Attach(t); err != nil {
		return fmt.Errorf("busctl: attach: %w", err)
	}

	body := []byte(c.String("body"))
	if len(body) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("busctl: read stdin: %w", err)
		}
		body = b
	}
	msg := &dbustransport.Message{Header: []byte("MESSAGE"), Body: body}
	loop.Enqueue(msg)

	go loop.Run(200)

	select {
	case <-loop.Disconnected:
	case <-time.After(c.Duration("timeout")):
		loop.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "busctl",
		Usage: "reference message-bus transport client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "bus address, e.g. unix:path=/tmp/busd.sock"},
			&cli.StringFlag{Name: "body", Usage: "message body to send (defaults to reading stdin)"},
			&cli.StringSliceFlag{Name: "mechanism", Usage: "auth mechanisms to offer, in order"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "how long to wait for a reply before giving up"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: runClient,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
