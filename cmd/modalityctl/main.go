// modalityctl queries a running modalityd over its socket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"modalityd/internal/config"
	"modalityd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (default: from config)")
	jsonOutput = flag.Bool("json", false, "print responses as JSON")
	timeout    = flag.Duration("timeout", 5*time.Second, "request timeout")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "last":
		cmdLast()
	case "invoked":
		cmdInvoked(args)
	case "history":
		cmdHistory(args)
	case "metrics":
		cmdMetrics()
	case "watch":
		cmdWatch()
	case "ping":
		cmdPing()
	case "version":
		fmt.Printf("modalityctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `modalityctl - Query utility for modalityd

Usage: modalityctl [options] <command> [args]

Commands:
  status                Show daemon status, features and devices
  last                  Show the last interaction type
  invoked [-delay d]    Report whether the user interacted within d
  history [-n count]    Show journaled modality transitions
  metrics               Print the daemon's metrics
  watch                 Stream modality transitions until interrupted
  ping                  Check that the daemon answers
  version               Print the version
  help                  Show this help message

Options:
  -config <path>   Path to config file
  -socket <path>   Daemon socket (default: from config)
  -json            Print responses as JSON
  -timeout <d>     Request timeout (default 5s)`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, ipc.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "  Tip: start the daemon with: modalityd run")
	}
	os.Exit(1)
}

func connect() *ipc.Client {
	path := *socketPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(fmt.Errorf("load config: %w", err))
		}
		path = cfg.IPC.SocketPath
	}

	cfg := ipc.DefaultClientConfig("")
	cfg.SocketPath = path
	cfg.ClientVersion = Version
	cfg.RequestTimeout = *timeout

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		fatal(err)
	}
	return client
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *timeout)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func cmdStatus() {
	client := connect()
	defer client.Close()
	ctx, cancel := requestContext()
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		fatal(err)
	}
	if *jsonOutput {
		printJSON(status)
		return
	}
	printStatus(os.Stdout, status)
}

func printStatus(w io.Writer, s *ipc.StatusResponse) {
	fmt.Fprintln(w, "=== modalityd Status ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Version:        %s\n", s.Version)
	fmt.Fprintf(w, "Started:        %s (up %s)\n", s.StartedAt.Format(time.RFC3339),
		(time.Duration(s.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "Tracking:       %s\n", onOff(s.Tracking))
	fmt.Fprintf(w, "Buffering:      %s\n", onOff(s.Buffering))
	fmt.Fprintf(w, "Buffer window:  %dms\n", s.BufferWindowMs)
	fmt.Fprintf(w, "Default delay:  %dms\n", s.DefaultDelayMs)
	fmt.Fprintf(w, "Listening for:  %s\n", strings.Join(s.Subscribed, ", "))
	fmt.Fprintf(w, "Events:         %d\n", s.EventsDelivered)
	if s.Health != "" {
		fmt.Fprintf(w, "Health:         %s\n", s.Health)
		names := make([]string, 0, len(s.Components))
		for name := range s.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-14s%s\n", name+":", s.Components[name])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Features:")
	fmt.Fprintf(w, "  Touch:                 %s\n", onOff(s.Features.Touch))
	fmt.Fprintf(w, "  Pointer events:        %s\n", onOff(s.Features.PointerEvents))
	fmt.Fprintf(w, "  Legacy pointer events: %s\n", onOff(s.Features.LegacyPointerEvents))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Journal:")
	if !s.Journal.Enabled {
		fmt.Fprintln(w, "  Disabled")
	} else {
		fmt.Fprintf(w, "  Session:        %s\n", s.SessionID)
		fmt.Fprintf(w, "  Schema version: %d\n", s.Journal.SchemaVersion)
		fmt.Fprintf(w, "  Pending writes: %d\n", s.Journal.Pending)
	}

	if len(s.Devices) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Devices:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, d := range s.Devices {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", d.Path, d.Kind, d.Name)
		}
		tw.Flush()
	}
}

func onOff(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func cmdLast() {
	client := connect()
	defer client.Close()
	ctx, cancel := requestContext()
	defer cancel()

	last, err := client.LastInteraction(ctx)
	if err != nil {
		fatal(err)
	}
	if *jsonOutput {
		printJSON(last)
		return
	}
	if !last.Known {
		fmt.Println("No interaction recorded yet")
		return
	}
	fmt.Printf("%s (%s ago)\n", last.Type, (time.Duration(last.AgeMs) * time.Millisecond).Round(time.Millisecond))
	if last.Buffering {
		fmt.Println("Touch buffering window open")
	}
}

func cmdInvoked(args []string) {
	fs := flag.NewFlagSet("invoked", flag.ExitOnError)
	delay := fs.Duration("delay", -1, "recency window (default: daemon's configured delay)")
	fs.Parse(args)

	client := connect()
	defer client.Close()
	ctx, cancel := requestContext()
	defer cancel()

	resp, err := client.UserInvoked(ctx, *delay)
	if err != nil {
		fatal(err)
	}
	if *jsonOutput {
		printJSON(resp)
	} else {
		fmt.Printf("user invoked within %dms: %t\n", resp.DelayMs, resp.UserInvoked)
	}
	if !resp.UserInvoked {
		os.Exit(2)
	}
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of transitions to show")
	fs.Parse(args)

	client := connect()
	defer client.Close()
	ctx, cancel := requestContext()
	defer cancel()

	hist, err := client.History(ctx, *limit)
	if err != nil {
		fatal(err)
	}
	if *jsonOutput {
		printJSON(hist)
		return
	}
	printHistory(os.Stdout, hist)
}

func printHistory(w io.Writer, h *ipc.HistoryResponse) {
	if len(h.Interactions) == 0 {
		fmt.Fprintln(w, "No transitions journaled")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tTYPE\tEVENT")
		for _, rec := range h.Interactions {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Timestamp.Local().Format("2006-01-02 15:04:05.000"), rec.Type, rec.EventName)
		}
		tw.Flush()
	}

	if len(h.Counts) > 0 {
		types := make([]string, 0, len(h.Counts))
		for typ := range h.Counts {
			types = append(types, typ)
		}
		sort.Strings(types)

		parts := make([]string, 0, len(types))
		for _, typ := range types {
			parts = append(parts, fmt.Sprintf("%s=%d", typ, h.Counts[typ]))
		}
		fmt.Fprintf(w, "\nThis session: %s\n", strings.Join(parts, " "))
	}
}

func cmdMetrics() {
	client := connect()
	defer client.Close()
	ctx, cancel := requestContext()
	defer cancel()

	resp, err := client.Metrics(ctx)
	if err != nil {
		fatal(err)
	}
	if *jsonOutput {
		printJSON(resp)
		return
	}

	keys := make([]string, 0, len(resp.Metrics))
	for k := range resp.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s %g\n", k, resp.Metrics[k])
	}
}

func cmdWatch() {
	client := connect()
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reqCtx, cancel := requestContext()
	_, err := client.Subscribe(reqCtx)
	cancel()
	if err != nil {
		fatal(err)
	}
	if !*jsonOutput {
		fmt.Fprintln(os.Stderr, "Watching modality transitions (Ctrl+C to stop)")
	}

	enc := json.NewEncoder(os.Stdout)
	alive := time.NewTicker(time.Second)
	defer alive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-alive.C:
			if !client.IsConnected() {
				fatal(ipc.ErrConnectionLost)
			}
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			if *jsonOutput {
				enc.Encode(ev)
				continue
			}
			line := fmt.Sprintf("%s  %-8s  %s", ev.Timestamp.Local().Format("15:04:05.000"), ev.Type, ev.EventName)
			if ev.Buffering {
				line += "  (buffering)"
			}
			fmt.Println(line)
		}
	}
}

func cmdPing() {
	client := connect()
	defer client.Close()
	ctx, cancel := requestContext()
	defer cancel()

	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		fatal(err)
	}
	fmt.Printf("modalityd %s answered in %s\n", client.ServerVersion(), time.Since(start).Round(time.Microsecond))
}
