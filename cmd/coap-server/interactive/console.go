// Package interactive provides the interactive console for coap-server.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/homecenter/coap-server/pkg/actuator"
	"github.com/homecenter/coap-server/pkg/espressif"
	"github.com/homecenter/coap-server/pkg/server"
)

// Target is what the console operates on.
type Target struct {
	Server   *server.Server
	Resource *espressif.Resource
	Actuator *actuator.Worker
}

// Console reads commands from the terminal.
type Console struct {
	rl *readline.Instance
	t  *Target
}

// New creates the console. Run starts it.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "coap> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Run starts the command loop. quit, EOF and ctx end it; quit and EOF
// also call cancel.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc, t *Target) {
	defer c.rl.Close()
	c.t = t

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if c.exec(ctx, input) {
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}
	}
}

// exec runs one command line and reports whether the console should quit.
func (c *Console) exec(ctx context.Context, input string) bool {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.cmdStatus(ctx)
	case "sessions":
		c.cmdSessions(ctx)
	case "observers", "obs":
		c.cmdObservers(ctx)
	case "reset":
		c.cmdReset(ctx)
	case "pulse":
		c.cmdActuate(true)
	case "off":
		c.cmdActuate(false)
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
CoAP Server Commands:
  status             - Show server, resource and actuator status
  sessions           - List sessions
  observers          - List observers of /Espressif
  reset              - Restore the initial state and notify observers
  pulse              - Pulse the output
  off                - Switch the output off
  help               - Show this help
  quit               - Stop the server`)
}

// do runs fn on the protocol goroutine with a short deadline.
func (c *Console) do(ctx context.Context, fn func(*server.Context)) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.t.Server.Do(ctx, fn); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Server unavailable: %v\n", err)
		return false
	}
	return true
}

func (c *Console) cmdStatus(ctx context.Context) {
	out := c.rl.Stdout()
	fmt.Fprintf(out, "Server:    %s (restarts: %d)\n", c.t.Server.State(), c.t.Server.Restarts())

	var stats server.Stats
	var state string
	if c.do(ctx, func(sc *server.Context) {
		stats = sc.Stats()
		state = c.t.Resource.State()
	}) {
		for _, ep := range stats.Endpoints {
			fmt.Fprintf(out, "Endpoint:  %s\n", ep)
		}
		fmt.Fprintf(out, "Sessions:  %d\n", stats.Sessions)
		fmt.Fprintf(out, "Observers: %d\n", stats.Observers)
		fmt.Fprintf(out, "Exchanges: %d\n", stats.Exchanges)
		fmt.Fprintf(out, "State:     %q\n", state)
	}

	if a := c.t.Actuator; a != nil {
		fmt.Fprintf(out, "Output:    on=%t breaker=%s dropped=%d\n", a.On(), a.BreakerState(), a.Dropped())
	}
}

func (c *Console) cmdSessions(ctx context.Context) {
	var lines []string
	ok := c.do(ctx, func(sc *server.Context) {
		for _, s := range sc.Sessions().Sessions() {
			line := fmt.Sprintf("  %-36s %-4s %-22s %-12s idle %s",
				s.ID(), s.Transport(), s.RemoteAddr(), s.State(),
				time.Since(s.LastActivity()).Truncate(time.Second))
			if id := s.Identity(); id != "" {
				line += " identity=" + id
			}
			lines = append(lines, line)
		}
	})
	if !ok {
		return
	}
	if len(lines) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No sessions")
		return
	}
	fmt.Fprintln(c.rl.Stdout(), strings.Join(lines, "\n"))
}

func (c *Console) cmdObservers(ctx context.Context) {
	var lines []string
	ok := c.do(ctx, func(sc *server.Context) {
		for _, o := range sc.Notifier().Observers(espressif.Path) {
			lines = append(lines, fmt.Sprintf("  %-36s token=%x seq=%d %s since %s",
				o.SessionID(), o.Token, o.LastSequence, o.State(),
				o.Registered.Format(time.TimeOnly)))
		}
	})
	if !ok {
		return
	}
	if len(lines) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No observers")
		return
	}
	fmt.Fprintln(c.rl.Stdout(), strings.Join(lines, "\n"))
}

func (c *Console) cmdReset(ctx context.Context) {
	var err error
	if !c.do(ctx, func(sc *server.Context) {
		c.t.Resource.Reset()
		err = sc.Engine().Changed(espressif.Path)
	}) {
		return
	}
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Reset failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "State reset to %q\n", espressif.InitialState)
}

func (c *Console) cmdActuate(pulse bool) {
	if c.t.Actuator == nil {
		fmt.Fprintln(c.rl.Stdout(), "No actuator")
		return
	}
	var queued bool
	if pulse {
		queued = c.t.Actuator.Pulse()
	} else {
		queued = c.t.Actuator.Off()
	}
	if !queued {
		fmt.Fprintln(c.rl.Stdout(), "Command dropped: queue full")
	}
}
