package model

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/drone/envsubst"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultAddr         = "127.0.0.1:3274"
	DefaultPollInterval = "500ms"
	DefaultIdleInterval = "200ms"
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

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Service Service `json:"service" yaml:"service"`
	Server  Server  `json:"server" yaml:"server"`
	Runner  Runner  `json:"runner" yaml:"runner"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// Server is the HTTP interface to the runner.
type Server struct {
	Addr string `json:"addr" yaml:"addr"`
	Auth Auth   `json:"auth" yaml:"auth"`
}

// Auth enables HTTP basic authentication when both fields are set.
type Auth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

func (a Auth) Enabled() bool {
	return a.Username != "" && a.Password != ""
}

type Runner struct {
	Program      string            `json:"program" yaml:"program"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	LogDir       string            `json:"log_dir" yaml:"log_dir"`
	PollInterval string            `json:"poll_interval" yaml:"poll_interval"`
	IdleInterval string            `json:"idle_interval" yaml:"idle_interval"`
}

// Environ returns Env as KEY=value pairs, sorted by key.
func (r Runner) Environ() []string {
	env := make([]string, 0, len(r.Env))
	for _, k := range slices.Sorted(maps.Keys(r.Env)) {
		env = append(env, k+"="+r.Env[k])
	}
	return env
}

func (r Runner) Poll() (time.Duration, error) {
	return parseDuration("runner.poll_interval", r.PollInterval, DefaultPollInterval)
}

func (r Runner) Idle() (time.Duration, error) {
	return parseDuration("runner.idle_interval", r.IdleInterval, DefaultIdleInterval)
}

func parseDuration(name, s, dflt string) (time.Duration, error) {
	if s == "" {
		s = dflt
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return d, nil
}

func DefaultConfig(_ context.Context) Config {
	return Config{
		Service: Service{
			Log: LogStderr,
		},
		Server: Server{
			Addr: DefaultAddr,
		},
		Runner: Runner{
			PollInterval: DefaultPollInterval,
			IdleInterval: DefaultIdleInterval,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema, decodes it to Config
// and expands ${VAR} references in credentials, environment and log_dir.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("deck.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if err := out.expand(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Config) expand() error {
	var err error
	if c.Server.Auth.Username, err = envsubst.EvalEnv(c.Server.Auth.Username); err != nil {
		return fmt.Errorf("expanding server.auth.username: %w", err)
	}
	if c.Server.Auth.Password, err = envsubst.EvalEnv(c.Server.Auth.Password); err != nil {
		return fmt.Errorf("expanding server.auth.password: %w", err)
	}
	if c.Runner.LogDir, err = envsubst.EvalEnv(c.Runner.LogDir); err != nil {
		return fmt.Errorf("expanding runner.log_dir: %w", err)
	}
	for k, v := range c.Runner.Env {
		if c.Runner.Env[k], err = envsubst.EvalEnv(v); err != nil {
			return fmt.Errorf("expanding runner.env.%s: %w", k, err)
		}
	}
	return nil
}
