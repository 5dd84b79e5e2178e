// Package config loads settings for the relay server and the peer client.
//
// Values are resolved in this order, later winning: built-in defaults, the
// YAML file named by --config (or YA_CONFIG), YA_* environment variables,
// command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "YA_"

const (
	DefaultListenAddr        = ":8080"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = LogFormatConsole
	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = 50.0
	DefaultMessageBurst      = 100
	DefaultSendQueueSize     = 64
	DefaultPingInterval      = 20 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultRelayQueueSize    = 256

	DefaultRelayURL           = "ws://127.0.0.1:8080/ws"
	DefaultCallKind           = "audio"
	DefaultGracePeriod        = 5 * time.Second
	DefaultICERestartAttempts = 1
	DefaultReconnectMin       = 500 * time.Millisecond
	DefaultReconnectMax       = 30 * time.Second
	DefaultSTUNServer         = "stun:stun.l.google.com:19302"
)

const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

type Logging struct {
	Level  string `yaml:"log_level"`
	Format string `yaml:"log_format"`
}

func (l Logging) validate() error {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch l.Format {
	case LogFormatConsole, LogFormatJSON:
		return nil
	default:
		return fmt.Errorf("log format %q: want %s or %s", l.Format, LogFormatConsole, LogFormatJSON)
	}
}

// Server configures cmd/server.
type Server struct {
	Logging `yaml:",inline"`

	ListenAddr      string        `yaml:"listen_addr"`
	StaticDir       string        `yaml:"static_dir"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RelayQueueSize  int           `yaml:"relay_queue_size"`

	// Per connection limits.
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	MessageBurst      int           `yaml:"message_burst"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

func DefaultServer() Server {
	return Server{
		Logging:           Logging{Level: DefaultLogLevel, Format: DefaultLogFormat},
		ListenAddr:        DefaultListenAddr,
		MetricsEnabled:    true,
		ShutdownTimeout:   DefaultShutdownTimeout,
		RelayQueueSize:    DefaultRelayQueueSize,
		MaxMessageBytes:   DefaultMaxMessageBytes,
		MessagesPerSecond: DefaultMessagesPerSecond,
		MessageBurst:      DefaultMessageBurst,
		SendQueueSize:     DefaultSendQueueSize,
		PingInterval:      DefaultPingInterval,
		IdleTimeout:       DefaultIdleTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}
}

func (c Server) Validate() error {
	var errs []error
	if err := c.Logging.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max message bytes must be positive"))
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, errors.New("message rate and burst must be positive"))
	}
	if c.SendQueueSize <= 0 || c.RelayQueueSize <= 0 {
		errs = append(errs, errors.New("queue sizes must be positive"))
	}
	if c.PingInterval <= 0 || c.IdleTimeout <= c.PingInterval {
		errs = append(errs, errors.New("idle timeout must exceed a positive ping interval"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Server) bind(fs *pflag.FlagSet) {
	bindLogging(fs, &c.Logging)
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.StaticDir, "static-dir", c.StaticDir, "serve files from this directory at /")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "websocket origins to accept (empty accepts any)")
	fs.BoolVar(&c.MetricsEnabled, "metrics", c.MetricsEnabled, "expose prometheus metrics at /metrics")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "graceful shutdown bound")
	fs.IntVar(&c.RelayQueueSize, "relay-queue", c.RelayQueueSize, "relay inbound queue length")
	fs.Int64Var(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "largest accepted websocket frame")
	fs.Float64Var(&c.MessagesPerSecond, "messages-per-second", c.MessagesPerSecond, "sustained inbound frames per connection")
	fs.IntVar(&c.MessageBurst, "message-burst", c.MessageBurst, "inbound frame burst per connection")
	fs.IntVar(&c.SendQueueSize, "send-queue", c.SendQueueSize, "outbound frames buffered per connection")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "websocket ping interval")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close connections silent for this long")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "websocket write deadline")
}

func (c *Server) applyEnv() error {
	var errs []error
	applyLoggingEnv(&c.Logging)
	envString("LISTEN_ADDR", &c.ListenAddr)
	envString("STATIC_DIR", &c.StaticDir)
	envList("ALLOWED_ORIGINS", &c.AllowedOrigins)
	errs = append(errs,
		envBool("METRICS_ENABLED", &c.MetricsEnabled),
		envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout),
		envInt("RELAY_QUEUE_SIZE", &c.RelayQueueSize),
		envInt64("MAX_MESSAGE_BYTES", &c.MaxMessageBytes),
		envFloat("MESSAGES_PER_SECOND", &c.MessagesPerSecond),
		envInt("MESSAGE_BURST", &c.MessageBurst),
		envInt("SEND_QUEUE_SIZE", &c.SendQueueSize),
		envDuration("PING_INTERVAL", &c.PingInterval),
		envDuration("IDLE_TIMEOUT", &c.IdleTimeout),
		envDuration("WRITE_TIMEOUT", &c.WriteTimeout),
	)
	return errors.Join(errs...)
}

// Peer configures cmd/peer.
type Peer struct {
	Logging `yaml:",inline"`

	RelayURL    string `yaml:"relay_url"`
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email"`

	// Call, when set, dials that user once registered.
	Call         string        `yaml:"call"`
	Kind         string        `yaml:"kind"`
	AutoAnswer   bool          `yaml:"auto_answer"`
	CallDuration time.Duration `yaml:"call_duration"`

	ICEServers         []string      `yaml:"ice_servers"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	ICERestartAttempts int           `yaml:"ice_restart_attempts"`
	ReconnectMin       time.Duration `yaml:"reconnect_min"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`

	// Synthetic devices.
	NoMicrophone bool `yaml:"no_microphone"`
	NoCamera     bool `yaml:"no_camera"`
}

func DefaultPeer() Peer {
	return Peer{
		Logging:            Logging{Level: DefaultLogLevel, Format: DefaultLogFormat},
		RelayURL:           DefaultRelayURL,
		Kind:               DefaultCallKind,
		AutoAnswer:         true,
		ICEServers:         []string{DefaultSTUNServer},
		GracePeriod:        DefaultGracePeriod,
		ICERestartAttempts: DefaultICERestartAttempts,
		ReconnectMin:       DefaultReconnectMin,
		ReconnectMax:       DefaultReconnectMax,
	}
}

func (c Peer) Validate() error {
	var errs []error
	if err := c.Logging.validate(); err != nil {
		errs = append(errs, err)
	}
	if u, err := url.Parse(c.RelayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("relay url %q must be ws:// or wss://", c.RelayURL))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if c.Kind != "audio" && c.Kind != "video" {
		errs = append(errs, fmt.Errorf("call kind %q: want audio or video", c.Kind))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, errors.New("grace period must be positive"))
	}
	if c.ICERestartAttempts < 0 {
		errs = append(errs, errors.New("ice restart attempts must not be negative"))
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, errors.New("reconnect backoff bounds are invalid"))
	}
	return errors.Join(errs...)
}

func (c *Peer) bind(fs *pflag.FlagSet) {
	bindLogging(fs, &c.Logging)
	fs.StringVar(&c.RelayURL, "relay", c.RelayURL, "relay websocket url")
	fs.StringVar(&c.UserID, "user", c.UserID, "user id to register as")
	fs.StringVar(&c.DisplayName, "name", c.DisplayName, "display name")
	fs.StringVar(&c.Email, "email", c.Email, "email shown to other users")
	fs.StringVar(&c.Call, "call", c.Call, "user id to call once online")
	fs.StringVar(&c.Kind, "kind", c.Kind, "call kind: audio or video")
	fs.BoolVar(&c.AutoAnswer, "auto-answer", c.AutoAnswer, "accept incoming calls automatically")
	fs.DurationVar(&c.CallDuration, "call-duration", c.CallDuration, "hang up after this long (0 keeps the call up)")
	fs.StringSliceVar(&c.ICEServers, "ice-server", c.ICEServers, "STUN/TURN urls")
	fs.DurationVar(&c.GracePeriod, "grace-period", c.GracePeriod, "how long a disconnected call may recover")
	fs.IntVar(&c.ICERestartAttempts, "ice-restarts", c.ICERestartAttempts, "ICE restarts attempted after a failure")
	fs.DurationVar(&c.ReconnectMin, "reconnect-min", c.ReconnectMin, "first relay reconnect delay")
	fs.DurationVar(&c.ReconnectMax, "reconnect-max", c.ReconnectMax, "largest relay reconnect delay")
	fs.BoolVar(&c.NoMicrophone, "no-microphone", c.NoMicrophone, "pretend no microphone is present")
	fs.BoolVar(&c.NoCamera, "no-camera", c.NoCamera, "pretend no camera is present")
}

func (c *Peer) applyEnv() error {
	applyLoggingEnv(&c.Logging)
	envString("RELAY_URL", &c.RelayURL)
	envString("USER_ID", &c.UserID)
	envString("DISPLAY_NAME", &c.DisplayName)
	envString("EMAIL", &c.Email)
	envString("CALL", &c.Call)
	envString("CALL_KIND", &c.Kind)
	envList("ICE_SERVERS", &c.ICEServers)
	return errors.Join(
		envBool("AUTO_ANSWER", &c.AutoAnswer),
		envDuration("CALL_DURATION", &c.CallDuration),
		envDuration("GRACE_PERIOD", &c.GracePeriod),
		envInt("ICE_RESTART_ATTEMPTS", &c.ICERestartAttempts),
		envDuration("RECONNECT_MIN", &c.ReconnectMin),
		envDuration("RECONNECT_MAX", &c.ReconnectMax),
		envBool("NO_MICROPHONE", &c.NoMicrophone),
		envBool("NO_CAMERA", &c.NoCamera),
	)
}

type loadable interface {
	bind(fs *pflag.FlagSet)
	applyEnv() error
}

// LoadServer resolves the server configuration. pflag.ErrHelp is returned
// unwrapped when -h was given.
func LoadServer(args []string) (Server, error) {
	cfg := DefaultServer()
	if err := load("yacall-server", args, &cfg); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

func LoadPeer(args []string) (Peer, error) {
	cfg := DefaultPeer()
	if err := load("yacall-peer", args, &cfg); err != nil {
		return Peer{}, err
	}
	return cfg, cfg.Validate()
}

func load(name string, args []string, cfg loadable) error {
	// First pass only finds the config file.
	pre := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	path := pre.String("config", os.Getenv(envPrefix+"CONFIG"), "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)

	if *path != "" {
		if err := loadFile(*path, cfg); err != nil {
			return err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", *path, "YAML config file")
	cfg.bind(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return fmt.Errorf("flags: %w", err)
	}
	return nil
}

func loadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func bindLogging(fs *pflag.FlagSet, l *Logging) {
	fs.StringVar(&l.Level, "log-level", l.Level, "trace, debug, info, warn or error")
	fs.StringVar(&l.Format, "log-format", l.Format, "console or json")
}

func applyLoggingEnv(l *Logging) {
	envString("LOG_LEVEL", &l.Level)
	envString("LOG_FORMAT", &l.Format)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envString(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envBool(key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = d
	return nil
}
