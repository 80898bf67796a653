package model

import (
	"context"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	// DefaultInvokeTimeout bounds a single request to a worker unless the
	// configuration says otherwise. A configured "0" waits forever.
	DefaultInvokeTimeout = 30 * time.Second
	DefaultPendingLimit  = 256
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int            `json:"version" yaml:"version"` // fixed 0 for now
	Service  Service        `json:"service" yaml:"service"`
	Worker   *Worker        `json:"worker,omitempty" yaml:"worker,omitempty"`
	Services []ServiceEntry `json:"services,omitempty" yaml:"services,omitempty"`
}

// Service configures the manager process itself.
type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Health  *Health `json:"health,omitempty" yaml:"health,omitempty"`
}

// Health schedules the periodic getStatus probe of running workers. Exactly
// one of Cron or Duration is expected.
type Health struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"` // ISO 8601, e.g. PT30S
	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Worker describes how worker processes are spawned. An empty Path means the
// manager re-executes itself with the hidden _worker command.
type Worker struct {
	Path          string            `json:"path,omitempty" yaml:"path,omitempty"`
	Args          []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir           string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	InvokeTimeout *string           `json:"invoke_timeout,omitempty" yaml:"invoke_timeout,omitempty"`
	PendingLimit  *int              `json:"pending_limit,omitempty" yaml:"pending_limit,omitempty"`
}

// ServiceEntry is a service started when the manager comes up.
type ServiceEntry struct {
	ID        string         `json:"id" yaml:"id"`
	Autostart *bool          `json:"autostart,omitempty" yaml:"autostart,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// InvokeTimeoutOrDefault returns the configured request timeout,
// DefaultInvokeTimeout when unset and 0 for an unbounded wait.
func (w *Worker) InvokeTimeoutOrDefault() (time.Duration, error) {
	if w == nil || w.InvokeTimeout == nil {
		return DefaultInvokeTimeout, nil
	}
	return time.ParseDuration(*w.InvokeTimeout)
}

func (w *Worker) PendingLimitOrDefault() int {
	if w == nil || w.PendingLimit == nil {
		return DefaultPendingLimit
	}
	return *w.PendingLimit
}

func (e ServiceEntry) ShouldStart() bool {
	return e.Autostart == nil || *e.Autostart
}

func DefaultConfig(_ context.Context) Config {
	verbose := false
	log := LogStderr
	return Config{
		Version: 0,
		Service: Service{
			Verbose: &verbose,
			Log:     &log,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
