// modalityd tracks which input modality the user last interacted with.
//
//	modalityd run                Run the daemon in the foreground
//	modalityd replay <file>      Print the classification timeline of a recording
//	modalityd check [files]      Validate the configuration and any recordings
//	modalityd init               Write the default configuration
//	modalityd config             Print the effective configuration
//	modalityd devices            List input devices and their kinds
//	modalityd version            Print the version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"

	"modalityd/internal/config"
	"modalityd/internal/daemon"
	"modalityd/internal/evdev"
	"modalityd/internal/interaction"
	"modalityd/internal/logging"
	"modalityd/internal/replay"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "replay":
		cmdReplay()
	case "check":
		cmdCheck()
	case "init":
		cmdInit()
	case "config":
		cmdConfig()
	case "devices":
		cmdDevices()
	case "version", "-v", "--version":
		fmt.Printf("modalityd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`modalityd - Input modality tracking daemon

USAGE:
    modalityd <command> [options]

COMMANDS:
    run                 Run the daemon in the foreground
    replay <file>       Print the classification timeline of a recording
    check [files]       Validate the configuration and any recordings
    init                Write the default configuration file
    config              Print the effective configuration
    devices             List input devices and the kind each is read as
    version             Print the version
    help                Show this help message

Run 'modalityd <command> -h' for the options of a command.

PRIVACY NOTE:
    Only the fact that a key or button went down is observed. Key codes
    and pointer coordinates are never read past the device layer.`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: platform config dir)")
	noWatch := fs.Bool("no-watch", false, "Do not reload the config file when it changes")
	fs.Parse(os.Args[2:])

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fatal("load config %s: %v", loader.Path(), err)
	}

	lcfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		fatal("logging: %v", err)
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		fatal("logging: %v", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	d, err := daemon.New(cfg, daemon.Options{
		Version:  Version,
		Logger:   logger,
		CrashDir: filepath.Join(config.DataDir(), "crashes"),
	})
	if err != nil {
		fatal("%v", err)
	}

	if !*noWatch {
		loader.OnChange(func(_, next *config.Config) { d.Reload(next) })
		if err := loader.Watch(); err != nil {
			logger.Warn("config watch unavailable", "path", loader.Path(), "error", err)
		} else {
			defer loader.Close()
			go func() {
				for err := range loader.Errors() {
					logger.Warn("config reload failed", "error", err)
				}
			}()
		}
	}

	reason, err := d.Run(context.Background())
	if err != nil {
		logger.Error("daemon failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Debug("daemon exited", "reason", reason)
}

func cmdReplay() {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	window := fs.Duration("window", interaction.DefaultBufferWindow, "Touch buffering window")
	noTouch := fs.Bool("no-touch", false, "Replay without touch support")
	noPointer := fs.Bool("no-pointer", false, "Replay without pointer events")
	legacy := fs.Bool("legacy-pointer", false, "Listen for MSPointerDown instead of pointerdown")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: modalityd replay [options] <file.jsonl>")
		os.Exit(1)
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fatal("%v", err)
	}
	defer f.Close()

	features := interaction.Features{
		Touch:               !*noTouch,
		PointerEvents:       !*noPointer,
		LegacyPointerEvents: *legacy,
	}
	entries, err := replay.Timeline(context.Background(), f, replay.TimelineOptions{
		Features:     features,
		BufferWindow: *window,
	})
	if err != nil {
		fatal("replay %s: %v", fs.Arg(0), err)
	}

	printTimeline(os.Stdout, entries)
}

func printTimeline(w io.Writer, entries []replay.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OFFSET\tEVENT\tRESULT\tTYPE\tBUFFERING")
	for _, e := range entries {
		result := "ignored"
		if e.Recorded {
			result = "recorded"
		}
		typ := string(e.Type)
		if typ == "" {
			typ = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
			time.Duration(e.OffsetMs)*time.Millisecond, e.Event, result, typ, e.Buffering)
	}
	tw.Flush()
}

func cmdCheck() {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: platform config dir)")
	fs.Parse(os.Args[2:])

	failed := checkConfig(os.Stdout, *configPath) != nil
	for _, path := range fs.Args() {
		if err := checkRecording(os.Stdout, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// checkConfig loads and validates the config at path, listing every
// invalid field.
func checkConfig(w io.Writer, path string) error {
	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprintf(w, "%s: %d invalid field(s)\n", loader.Path(), len(verrs))
			for _, e := range verrs {
				fmt.Fprintf(w, "  %s: %s\n", e.Field, e.Message)
			}
			return err
		}
		fmt.Fprintf(w, "%s: %v\n", loader.Path(), err)
		return err
	}
	fmt.Fprintf(w, "%s: OK\n", loader.Path())
	return nil
}

// checkRecording validates every line of a recording against the event
// schema.
func checkRecording(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := replay.NewDecoder(f)
	n := 0
	for {
		_, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		n++
	}
	fmt.Fprintf(w, "%s: %d events OK\n", path, n)
	return nil
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "Where to write the config file")
	fs.Parse(os.Args[2:])

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fatal("%v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("%v", err)
	}

	if created {
		fmt.Printf("Wrote default configuration to %s\n", *configPath)
	} else {
		fmt.Printf("Configuration already exists at %s\n", *configPath)
	}
	fmt.Printf("Data directory: %s\n", config.DataDir())
}

func cmdConfig() {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(os.Args[2:])

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fatal("%v", err)
	}
	if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		fatal("%v", err)
	}
}

func cmdDevices() {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	procPath := fs.String("proc", evdev.DefaultProcDevices, "Kernel input device listing")
	all := fs.Bool("all", false, "Include devices the tracker ignores")
	fs.Parse(os.Args[2:])

	devices, err := evdev.ReadDevices(*procPath, evdev.DefaultInputDir)
	if err != nil {
		fatal("%v", err)
	}
	if !*all {
		devices = evdev.Usable(devices)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tKIND\tNAME")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Path, d.Kind, d.Name)
	}
	tw.Flush()

	f := evdev.Features(evdev.Usable(devices))
	fmt.Printf("\nTouch: %t  Pointer events: %t\n", f.Touch, f.PointerEvents)
}
