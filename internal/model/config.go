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

	HistoryFile   = "file"
	HistorySQLite = "sqlite"

	DefaultListen     = ":8000"
	DefaultOllamaHost = "http://localhost:11434"
	DefaultDataDir    = "./data"
	DefaultModelType  = "ollama"
	DefaultStderrTail = 20
	DefaultKillGrace  = 10 * time.Second
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
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Service   *Service   `json:"service,omitempty" yaml:"service,omitempty"`
	Server    *Server    `json:"server,omitempty" yaml:"server,omitempty"`
	Scanner   *Scanner   `json:"scanner,omitempty" yaml:"scanner,omitempty"`
	Jobs      *Jobs      `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Ollama    *Ollama    `json:"ollama,omitempty" yaml:"ollama,omitempty"`
	History   *History   `json:"history,omitempty" yaml:"history,omitempty"`
	Schedules []Schedule `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

type Server struct {
	Listen         *string  `json:"listen,omitempty" yaml:"listen,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// Scanner describes how garak is executed.
type Scanner struct {
	Path        *string           `json:"path,omitempty" yaml:"path,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"` // prepended to garak arguments
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ModelType   *string           `json:"model_type,omitempty" yaml:"model_type,omitempty"`
	ExtraArgs   []string          `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Timeout     *string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // ISO8601 duration
	KillGrace   *string           `json:"kill_grace,omitempty" yaml:"kill_grace,omitempty"` // ISO8601 duration
	MergeStderr *bool             `json:"merge_stderr,omitempty" yaml:"merge_stderr,omitempty"`
	StderrTail  *int              `json:"stderr_tail,omitempty" yaml:"stderr_tail,omitempty"`
}

type Jobs struct {
	MaxConcurrent     *int  `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	MaxQueue          *int  `json:"max_queue,omitempty" yaml:"max_queue,omitempty"` // 0 means unbounded
	AbortOnDisconnect *bool `json:"abort_on_disconnect,omitempty" yaml:"abort_on_disconnect,omitempty"`
}

type Ollama struct {
	Host *string `json:"host,omitempty" yaml:"host,omitempty"`
}

type History struct {
	Backend *string `json:"backend,omitempty" yaml:"backend,omitempty"` // "file" | "sqlite"
	Dir     *string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Schedule submits the same scan on every cron tick.
type Schedule struct {
	Name string      `json:"name" yaml:"name"`
	Cron string      `json:"cron" yaml:"cron"`
	Scan ScanRequest `json:"scan" yaml:"scan"`
}

// DefaultConfig returns a configuration stored on first start.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: &Service{
			Verbose: ptr(false),
			Log:     ptr(LogStderr),
		},
		Server: &Server{
			Listen: ptr(DefaultListen),
		},
		Scanner: &Scanner{
			Path:        ptr("python3"),
			Args:        []string{"-m", "garak"},
			ModelType:   ptr(DefaultModelType),
			MergeStderr: ptr(true),
		},
		Jobs: &Jobs{
			MaxConcurrent: ptr(1),
		},
		Ollama: &Ollama{
			Host: ptr(DefaultOllamaHost),
		},
		History: &History{
			Backend: ptr(HistoryFile),
			Dir:     ptr(DefaultDataDir),
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
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

func (s *Service) IsVerbose() bool {
	return s != nil && get(s.Verbose)
}

func (s *Service) LogTarget() string {
	if s == nil || s.Log == nil {
		return LogStderr
	}
	return *s.Log
}

func (s *Server) ListenAddr() string {
	if s == nil || s.Listen == nil {
		return DefaultListen
	}
	return *s.Listen
}

func (s *Server) Origins() []string {
	if s == nil || len(s.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.AllowedOrigins
}

func (s *Scanner) Executable() (string, []string) {
	if s == nil || s.Path == nil {
		return "python3", []string{"-m", "garak"}
	}
	return *s.Path, s.Args
}

func (s *Scanner) GeneratorType() string {
	if s == nil || s.ModelType == nil {
		return DefaultModelType
	}
	return *s.ModelType
}

// TimeoutDuration returns zero when no hard timeout is configured.
func (s *Scanner) TimeoutDuration() (time.Duration, error) {
	if s == nil || s.Timeout == nil {
		return 0, nil
	}
	return ParseISODuration(*s.Timeout)
}

func (s *Scanner) KillGraceDuration() (time.Duration, error) {
	if s == nil || s.KillGrace == nil {
		return DefaultKillGrace, nil
	}
	return ParseISODuration(*s.KillGrace)
}

func (s *Scanner) MergesStderr() bool {
	return s != nil && get(s.MergeStderr)
}

func (s *Scanner) TailLines() int {
	if s == nil || s.StderrTail == nil {
		return DefaultStderrTail
	}
	return *s.StderrTail
}

func (j *Jobs) Concurrency() int {
	if j == nil || j.MaxConcurrent == nil {
		return 1
	}
	return max(1, *j.MaxConcurrent)
}

func (j *Jobs) QueueLimit() int {
	if j == nil {
		return 0
	}
	return get(j.MaxQueue)
}

func (j *Jobs) AbortsOnDisconnect() bool {
	return j != nil && get(j.AbortOnDisconnect)
}

func (o *Ollama) BaseURL() string {
	if o == nil || o.Host == nil {
		return DefaultOllamaHost
	}
	return *o.Host
}

func (h *History) BackendName() string {
	if h == nil || h.Backend == nil {
		return HistoryFile
	}
	return *h.Backend
}

func (h *History) DataDir() string {
	if h == nil || h.Dir == nil {
		return DefaultDataDir
	}
	return *h.Dir
}

func get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}
