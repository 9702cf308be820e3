// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command busd is a reference server binary that exercises the transport
// core end to end: it listens on a unix or TCP address, accepts
// connections, runs the auth handshake, and logs every delivered message.
// It is not a multi-peer routing daemon (out of scope per spec §1) — each
// accepted connection gets its own independent event loop.
package main

import (
	"fmt"
	"os"

	dbustransport "code.hybscloud.com/dbustransport"
	"code.hybscloud.com/dbustransport/eventloop"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"
)

type loggingSink struct {
	logger *log.Logger
	peer   string
}

func (s loggingSink) Deliver(msg *dbustransport.Message) {
	s.logger.Info("message delivered", "peer", s.peer, "header_bytes", len(msg.Header), "body_bytes", len(msg.Body))
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
	return out
}

func runServer(c *cli.Context) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if c.Bool("debug") {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("busd: load config: %w", err)
	}
	if addr := c.String("listen"); addr != "" {
		cfg.Listen.Address = addr
	}

	addr, err := dbustransport.ParseAddress(cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("busd: %w", err)
	}

	var listenFD int
	var localSocket bool
	switch addr.Kind {
	case "unix":
		listenFD, err = dbustransport.ListenUnix(addr)
		localSocket = true
	case "tcp":
		listenFD, err = dbustransport.ListenTCP(addr)
	default:
		return fmt.Errorf("busd: unsupported address kind %q", addr.Kind)
	}
	if err != nil {
		return fmt.Errorf("busd: listen: %w", err)
	}
	logger.Info("listening", "address", cfg.Listen.Address)

	mechs := mechanismsFromNames(cfg.Auth.Mechanisms)

	for {
		fd, err := dbustransport.Accept(listenFD)
		if err != nil {
			if err == dbustransport.ErrWouldBlock {
				continue
			}
			logger.Error("accept failed", "err", err)
			continue
		}
		go serveConn(logger, fd, localSocket, cfg, mechs)
	}
}

func serveConn(logger *log.Logger, fd int, localSocket bool, cfg Config, mechs []dbustransport.Mechanism) {
	sink := loggingSink{logger: logger, peer: fmt.Sprintf("fd:%d", fd)}
	loader := dbustransport.NewDefaultLoader(sink, cfg.Budgets.MaxMessageBytes)

	t, err := dbustransport.NewServerStreamTransport(fd, localSocket, "accepted", loader, mechs...)
	if err != nil {
		logger.Error("accept setup failed", "err", err)
		return
	}
	t.SetIterationBudgets(cfg.Budgets.ReadBytesPerIteration, cfg.Budgets.WriteBytesPerIteration)
	t.SetMaxLiveMessagesSize(cfg.Budgets.MaxLiveMessagesSize)

	loop := eventloop.New(logger, sink)
	if err := loop.Attach(t); err != nil {
		logger.Error("attach failed", "err", err)
		t.Finalize()
		return
	}
	loop.Run(-1)
}

func main() {
	app := &cli.App{
		Name:  "busd",
		Usage: "reference message-bus transport server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
			&cli.StringFlag{Name: "listen", Usage: "override the configured listen address"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: runServer,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
