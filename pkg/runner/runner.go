package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the lifecycle. A failing OnStart skips straight to
// draining and its error is returned from Run.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer releases whatever the process holds: sessions, sockets, files.
type Drainer interface {
	Drain() error
}

// EngineVersion is overridden at link time with -ldflags "-X".
var EngineVersion = "dev"

func PrintBanner() {
	printBanner(os.Stdout)
}

func printBanner(w io.Writer) {
	tpl := "{{ .Title \"PARLEY\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
