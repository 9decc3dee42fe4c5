// Package console implements a line-oriented administrative console over a
// serial port, for local inspection of a running router.
//
// Grounded on the teacher's transport/serial/serial.go for serial port
// setup (go.bug.st/serial, a context-cancelled read loop, connect/
// disconnect state) and on device/room/cli.go for the command-dispatch
// shape (trim, split on whitespace, switch on the first word) — simplified
// from MeshCore's RS232-magic-byte framing plus encrypted CLI replies to
// plain newline-delimited text, since the Forest console has no peer
// identity or encryption layer to thread through.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

// Handler executes one command line and returns the reply text to write
// back (without a trailing newline). An empty reply sends nothing.
type Handler func(cmd string) string

// Config configures a Console.
type Config struct {
	Port     string
	BaudRate int
	Handler  Handler
	Logger   *slog.Logger
}

// Console reads command lines from a serial port and writes replies back.
type Console struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	port      serial.Port
	connected bool
}

func New(cfg Config) *Console {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{cfg: cfg, log: logger.WithGroup("console")}
}

// Run opens the serial port and processes command lines until ctx is
// cancelled or the port is closed.
func (c *Console) Run(ctx context.Context) error {
	if c.cfg.Port == "" {
		return errors.New("console: serial port is required")
	}
	mode := &serial.Mode{BaudRate: c.cfg.BaudRate}
	port, err := serial.Open(c.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("console: opening serial port: %w", err)
	}

	c.mu.Lock()
	c.port = port
	c.connected = true
	c.mu.Unlock()

	c.log.Info("console attached", "port", c.cfg.Port, "baud", c.cfg.BaudRate)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := c.dispatch(line)
		if reply == "" {
			continue
		}
		if _, err := io.WriteString(port, reply+"\n"); err != nil {
			c.log.Debug("console write failed", "error", err)
			break
		}
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	close(done)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

func (c *Console) dispatch(line string) string {
	if c.cfg.Handler == nil {
		return "no command handler configured"
	}
	return c.cfg.Handler(line)
}

// IsConnected reports whether the serial port is currently open.
func (c *Console) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
