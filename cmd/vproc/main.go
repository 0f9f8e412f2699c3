// vproc CLI - runs a Lua script as a virtual process with terminal I/O
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/tliron/commonlog"

	"github.com/chazu/vproc/event"
	"github.com/chazu/vproc/journal"
	"github.com/chazu/vproc/launch"
	"github.com/chazu/vproc/luathread"
	"github.com/chazu/vproc/manifest"
	"github.com/chazu/vproc/process"
	"github.com/chazu/vproc/stream"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("vproc")

func main() {
	dir := flag.String("dir", ".", "Directory to search (upwards) for "+manifest.FileName)
	script := flag.String("script", "", "Lua script to run (overrides process.script)")
	journalPath := flag.String("journal", "", "Event journal database (overrides journal.path)")
	logPath := flag.String("log", "", "Log file (default: stderr)")
	verbose := flag.Int("v", 0, "Log verbosity (0-2)")
	initDir := flag.String("init", "", "Write a default "+manifest.FileName+" into the given directory and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vproc [options] [script.lua]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a Lua script step by step as a virtual process.\n")
		fmt.Fprintf(os.Stderr, "Terminal input is queued for the script's read(); its output is echoed.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  vproc hello.lua                  # Run a script with defaults\n")
		fmt.Fprintf(os.Stderr, "  vproc -dir ./project             # Use ./project/vproc.toml\n")
		fmt.Fprintf(os.Stderr, "  vproc -journal events.db x.lua   # Record lifecycle events\n")
		fmt.Fprintf(os.Stderr, "  vproc -init .                    # Write a default vproc.toml\n")
	}
	flag.Parse()

	if *logPath != "" {
		commonlog.Configure(*verbose, logPath)
	} else {
		commonlog.Configure(*verbose, nil)
	}

	if *initDir != "" {
		path := filepath.Join(*initDir, manifest.FileName)
		if err := manifest.Write(path, manifest.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
		os.Exit(0)
	}

	cfg, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = manifest.Default()
	}
	if flag.NArg() > 0 {
		*script = flag.Arg(0)
	}
	if *script != "" {
		if cfg.Process.Script, err = filepath.Abs(*script); err != nil {
			fmt.Fprintf(os.Stderr, "Error: resolving script path: %v\n", err)
			os.Exit(1)
		}
	}
	if *journalPath != "" {
		if cfg.Journal.Path, err = filepath.Abs(*journalPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: resolving journal path: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.ScriptPath() == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the configured script and blocks until its process ends.
func run(cfg *manifest.Manifest) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dispatcher := event.NewDispatcher()
	buses := []event.Bus{dispatcher}
	if path := cfg.JournalPath(); path != "" {
		j, err := journal.Open(ctx, path)
		if err != nil {
			return err
		}
		defer j.Close()
		buses = append(buses, j)
		log.Infof("journaling events to %s", path)
	}

	// Attach the terminal as soon as a process exists, before it can write.
	dispatcher.Subscribe(func(e event.Event) {
		if e.Kind != event.Create {
			return
		}
		if p, ok := e.Source.(*process.VirtualProcess); ok {
			attachTerminal(p)
		}
	})

	l := launch.New(cfg, launch.WithBus(event.Logged(event.Multi(buses...))))

	th, err := luathread.NewFromFile(luathread.NewEnvironment(), cfg.ScriptPath())
	if err != nil {
		return err
	}
	defer th.Close()

	p, err := l.Start(th)
	if err != nil {
		return err
	}
	go forwardInput(p.Streams())

	select {
	case <-p.Done():
	case <-ctx.Done():
		log.Info("interrupted; terminating")
		l.TerminateAll()
	}
	if err := p.Wait(context.Background()); err != nil {
		return err
	}
	return nil
}

func attachTerminal(p *process.VirtualProcess) {
	p.Stdout().Subscribe(func(text string, _ *stream.Buffer) {
		os.Stdout.WriteString(text)
	})
	p.Stderr().Subscribe(func(text string, _ *stream.Buffer) {
		os.Stderr.WriteString(text)
	})
}

// forwardInput queues terminal lines for the script until stdin closes.
func forwardInput(s *process.Streams) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		s.Write(scanner.Text() + "\n")
	}
}
