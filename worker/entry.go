package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/guseggert/scenariorunner/protocol"
)

// Invocation is what a worker process is started with.
type Invocation struct {
	EntryPath string
	Port      int
	Entry     protocol.Entry
}

// ParseInvocation reads "<entry> --ipc-port <port>" out of the positional arguments left over after flag parsing.
// Flag parsers stop at the entry path, so the port flag always ends up here.
func ParseInvocation(args []string) (Invocation, error) {
	var inv Invocation
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == protocol.IPCPortFlag:
			if i+1 >= len(args) {
				return Invocation{}, fmt.Errorf("%s needs a value", protocol.IPCPortFlag)
			}
			i++
			if err := inv.setPort(args[i]); err != nil {
				return Invocation{}, err
			}
		case strings.HasPrefix(a, protocol.IPCPortFlag+"="):
			if err := inv.setPort(strings.TrimPrefix(a, protocol.IPCPortFlag+"=")); err != nil {
				return Invocation{}, err
			}
		case inv.EntryPath == "":
			inv.EntryPath = a
		default:
			return Invocation{}, fmt.Errorf("unexpected argument %q", a)
		}
	}
	if inv.EntryPath == "" {
		return Invocation{}, fmt.Errorf("missing entry manifest path")
	}
	if inv.Port == 0 {
		return Invocation{}, fmt.Errorf("missing %s", protocol.IPCPortFlag)
	}
	return inv, nil
}

func (inv *Invocation) setPort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s %q", protocol.IPCPortFlag, s)
	}
	inv.Port = port
	return nil
}

// LoadEntry reads the entry manifest the supervisor wrote for this worker.
func LoadEntry(inv *Invocation) error {
	e, err := protocol.ReadEntry(inv.EntryPath)
	if err != nil {
		return err
	}
	inv.Entry = e
	return nil
}
