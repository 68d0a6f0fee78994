package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/guseggert/scenariorunner/protocol"
	"go.uber.org/zap"
)

// ScriptProvider writes the entry script a worker is started with into dir and returns its path.
type ScriptProvider interface {
	WriteScript(dir string, cmd *protocol.RunScenarios) (string, error)
}

type ScriptProviderFunc func(dir string, cmd *protocol.RunScenarios) (string, error)

func (f ScriptProviderFunc) WriteScript(dir string, cmd *protocol.RunScenarios) (string, error) {
	return f(dir, cmd)
}

// ManifestProvider writes a TOML entry manifest. It is the default provider.
type ManifestProvider struct {
	Now func() time.Time
}

func (p ManifestProvider) WriteScript(dir string, cmd *protocol.RunScenarios) (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	path := filepath.Join(dir, protocol.EntryFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating entry manifest: %w", err)
	}
	defer f.Close()

	err = protocol.WriteEntry(f, entryFor(cmd, now()))
	if err != nil {
		return "", err
	}
	return path, f.Close()
}

func entryFor(cmd *protocol.RunScenarios, now time.Time) protocol.Entry {
	return protocol.Entry{
		RunID:           cmd.RunID,
		ProtocolVersion: protocol.Version,
		LogLevel:        cmd.LogLevel,
		CreatedAt:       now.UTC(),
	}
}

// TemplateProvider renders a user supplied entry template. The template sees the protocol.Entry for the run.
type TemplateProvider struct {
	Template *template.Template
}

func (p TemplateProvider) WriteScript(dir string, cmd *protocol.RunScenarios) (string, error) {
	var buf bytes.Buffer
	if err := p.Template.Execute(&buf, entryFor(cmd, time.Now())); err != nil {
		return "", fmt.Errorf("rendering entry template %q: %w", p.Template.Name(), err)
	}
	path := filepath.Join(dir, protocol.EntryFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("writing entry script: %w", err)
	}
	return path, nil
}

// ResolveScriptProvider picks the provider once at startup: the template at templatePath if there is one,
// otherwise the default manifest.
func ResolveScriptProvider(templatePath string, log *zap.SugaredLogger) (ScriptProvider, error) {
	if templatePath == "" {
		return ManifestProvider{}, nil
	}
	b, err := os.ReadFile(templatePath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf("no entry template at %q, using the default manifest", templatePath)
		return ManifestProvider{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry template: %w", err)
	}
	tmpl, err := template.New(filepath.Base(templatePath)).Option("missingkey=error").Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("parsing entry template: %w", err)
	}
	return TemplateProvider{Template: tmpl}, nil
}
