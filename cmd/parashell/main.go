// Command parashell runs shell command lines read from one or more input
// sources in parallel, streaming their output and reporting completion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/stumpy"

	"github.com/joeycumines/go-parashell/eventloop"
	"github.com/joeycumines/go-parashell/internal/scheduler"
)

var modes = map[string]func(*Config) (Funcs, error){
	"default": newDefaultMode,
	"chunked": newChunkedMode,
}

// Config holds the parsed CLI flags.
type Config struct {
	Inputs       []string
	MaxParallel  int
	MaxUnstarted int
	Mode         string
	ListModes    bool
}

// Funcs adapts this command's chosen output mode to scheduler.Funcs, plus an
// ExitCode the mode may want to report once all-done fires.
type Funcs struct {
	scheduler.Funcs
	ExitCode func() int
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	signal.Ignore(syscall.SIGPIPE)

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.ListModes {
		for name := range modes {
			fmt.Println(name)
		}
		return 0
	}

	modeFactory, ok := modes[cfg.Mode]
	if !ok {
		fmt.Fprintf(os.Stderr, "parashell: unknown mode %q\n", cfg.Mode)
		return 1
	}
	if len(cfg.Inputs) == 0 {
		fmt.Fprintln(os.Stderr, "parashell: no inputs given, nothing to do. try --help")
		return 0
	}

	funcs, err := modeFactory(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := stumpy.L.New(stumpy.L.WithStumpy()).Logger()

	loop, err := eventloop.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer loop.Close()

	limiter := catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 30,
	})

	engine := scheduler.New(loop,
		scheduler.WithLogger(logger),
		scheduler.WithRateLimiter(limiter),
		scheduler.WithMaxRunningTasks(cfg.MaxParallel),
		scheduler.WithMaxUnstartedTasks(cfg.MaxUnstarted),
	)
	engine.Trap(funcs.Funcs)

	if err := wireInputs(engine, cfg.Inputs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	done := make(chan struct{})
	var once sync.Once
	engine.Trap(scheduler.Funcs{
		AllDone: func(*scheduler.Engine, time.Time) {
			once.Do(func() { close(done) })
		},
	})

	go loop.Run(context.Background())
	<-done
	_ = loop.Shutdown(context.Background())

	if funcs.ExitCode != nil {
		return funcs.ExitCode()
	}
	return 0
}

func wireInputs(e *scheduler.Engine, inputs []string) error {
	for _, in := range inputs {
		if in == "-" {
			if err := e.AddInputStdin(); err != nil {
				return err
			}
			continue
		}
		if err := e.AddInputScript(in); err != nil {
			return err
		}
	}
	return nil
}

func parseFlags(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("parashell", pflag.ContinueOnError)
	cfg := &Config{}
	fs.StringArrayVarP(&cfg.Inputs, "input", "i", nil, "input file (repeatable; - means standard input)")
	fs.IntVarP(&cfg.MaxParallel, "max-parallel", "n", 32, "maximum concurrently running tasks")
	fs.IntVar(&cfg.MaxUnstarted, "max-unstarted", 500, "maximum backlog of unstarted tasks")
	fs.StringVarP(&cfg.Mode, "mode", "m", "default", "output mode (default|chunked)")
	fs.BoolVar(&cfg.ListModes, "list-modes", false, "list available output modes and exit")
	if err := fs.Parse(args); err != nil {
		return nil, &scheduler.ErrCmdline{Detail: err.Error()}
	}
	if !cfg.ListModes {
		if _, ok := modes[cfg.Mode]; !ok {
			return nil, &scheduler.ErrCmdline{Detail: fmt.Sprintf("unknown mode %q", cfg.Mode)}
		}
	}
	return cfg, nil
}
