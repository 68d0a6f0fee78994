package protocol

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
)

// IPCPortFlag passes the supervisor's loopback port to a worker process.
const IPCPortFlag = "--ipc-port"

// EntryFileName is the name of the entry manifest inside a run's temp dir.
const EntryFileName = "entry.toml"

// Entry is the manifest a worker process is started with. It carries what the worker needs before it can connect,
// the rest arrives in the run-scenarios command.
type Entry struct {
	RunID           string    `toml:"run_id"`
	ProtocolVersion int       `toml:"protocol_version"`
	LogLevel        LogLevel  `toml:"log_level"`
	CreatedAt       time.Time `toml:"created_at"`
}

func WriteEntry(w io.Writer, e Entry) error {
	if err := toml.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encoding entry manifest: %w", err)
	}
	return nil
}

func ReadEntry(path string) (Entry, error) {
	var e Entry
	md, err := toml.DecodeFile(path, &e)
	if err != nil {
		return Entry{}, fmt.Errorf("reading entry manifest %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Entry{}, fmt.Errorf("entry manifest %q has unknown keys %v", path, undecoded)
	}
	if e.ProtocolVersion != Version {
		return Entry{}, fmt.Errorf("%w: entry manifest speaks version %d, want %d", ErrProtocolViolation, e.ProtocolVersion, Version)
	}
	if e.LogLevel == "" {
		e.LogLevel = LogInfo
	}
	if !e.LogLevel.Valid() {
		return Entry{}, fmt.Errorf("entry manifest %q: unknown log level %q", path, e.LogLevel)
	}
	return e, nil
}
