// Package config loads the daemon configuration: a YAML file with a
// global section and a list of interface specifications, plus
// command-line overrides and positional interface specs of the form
// "type:key=value,...".
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

// Environment variable and default locations for the config file.
const (
	EnvConfig   = "SEAMUXCONF"
	GlobalConf  = "/etc/seamux.conf"
	HomeConf    = ".seamux.conf"
	DefaultPort = 10110
)

// Global holds engine-wide settings.
type Global struct {
	// Checksum is the default inbound checksum policy for interfaces
	// that do not set one ("no", "yes", "strict", "loose", "add",
	// "addonly").
	Checksum string `json:"checksum,omitempty"`
	// Strict is the default framing mode; interfaces inherit it when
	// unset. File interfaces default to loose, everything else strict.
	Strict *bool `json:"strict,omitempty"`
	// GracePeriod is how many seconds outputs may drain after
	// shutdown begins.
	GracePeriod *int `json:"graceperiod,omitempty"`
	// QSize is the engine queue capacity.
	QSize int `json:"qsize,omitempty"`
	// Debug is the verbosity level 0..9.
	Debug int `json:"debug,omitempty"`
	// AdminAddr, when set, enables the admin/metrics HTTP server.
	AdminAddr string `json:"adminaddr,omitempty"`
	// Failover rules applied on the engine's output side.
	Failover []string `json:"failover,omitempty"`
}

// Interface is one interface specification as parsed; transport
// options stay stringly typed until the transport init consumes them.
type Interface struct {
	Type      string            `json:"type"`
	Name      string            `json:"name,omitempty"`
	Direction string            `json:"direction,omitempty"`
	Checksum  string            `json:"checksum,omitempty"`
	Strict    *bool             `json:"strict,omitempty"`
	Persist   string            `json:"persist,omitempty"`
	Optional  bool              `json:"optional,omitempty"`
	Loopback  bool              `json:"loopback,omitempty"`
	NoCR      bool              `json:"nocr,omitempty"`
	Heartbeat int               `json:"heartbeat,omitempty"`
	QSize     int               `json:"qsize,omitempty"`
	IFilter   string            `json:"ifilter,omitempty"`
	OFilter   string            `json:"ofilter,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	SrcTag    string            `json:"srctag,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Config is the full parsed configuration.
type Config struct {
	Global     Global      `json:"global,omitempty"`
	Interfaces []Interface `json:"interfaces,omitempty"`
}

// DefaultPath returns the config file to use when -f is not given:
// $SEAMUXCONF, then ~/.seamux.conf, then /etc/seamux.conf. Empty if
// none exists.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, HomeConf)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat(GlobalConf); err == nil {
		return GlobalConf
	}
	return ""
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	for i := range cfg.Interfaces {
		if err := cfg.Interfaces[i].validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

var ifaceTypes = map[string]bool{
	"file": true, "serial": true, "pty": true, "tcp": true,
	"udp": true, "broadcast": true, "multicast": true,
	"gofree": true, "seatalk": true,
}

func (s *Interface) validate() error {
	if !ifaceTypes[strings.ToLower(s.Type)] {
		return fmt.Errorf("unrecognised interface type %q", s.Type)
	}
	switch strings.ToLower(s.Direction) {
	case "", "in", "out", "both":
	default:
		return fmt.Errorf("interface direction must be in, out or both, not %q", s.Direction)
	}
	switch strings.ToLower(s.Persist) {
	case "", "yes", "no", "fromstart":
	default:
		return fmt.Errorf("persist must be yes, no or fromstart, not %q", s.Persist)
	}
	if s.QSize < 0 {
		return fmt.Errorf("invalid queue size %d", s.QSize)
	}
	if p, ok := s.Options["port"]; ok {
		if err := ValidatePort(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePort checks a port option value is in 1..65535.
func ValidatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port %q out of range", s)
	}
	return nil
}

// ParseArg parses a positional interface specification
// "type:key=value,key=value,...".
func ParseArg(arg string) (*Interface, error) {
	typ, rest, ok := strings.Cut(arg, ":")
	if !ok {
		return nil, fmt.Errorf("malformed interface specification %q", arg)
	}
	spec := &Interface{
		Type:      strings.ToLower(typ),
		Direction: "both",
		Options:   make(map[string]string),
	}
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			key, val, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("malformed option %q in %q", kv, arg)
			}
			if err := spec.setOption(strings.ToLower(key), val); err != nil {
				return nil, err
			}
		}
	}
	return spec, spec.validate()
}

// ApplyOverride applies a "-o key=value" command-line option to the
// global section.
func (c *Config) ApplyOverride(arg string) error {
	key, val, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("badly formatted option %q", arg)
	}
	key = strings.ToLower(key)
	switch key {
	case "checksum":
		c.Global.Checksum = val
	case "strict":
		b, err := yesNo(val)
		if err != nil {
			return fmt.Errorf("option %q: %w", arg, err)
		}
		c.Global.Strict = &b
	case "graceperiod":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid graceperiod %q", val)
		}
		c.Global.GracePeriod = &n
	case "qsize":
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid qsize %q", val)
		}
		c.Global.QSize = n
	case "debuglevel":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 || n > 9 {
			return fmt.Errorf("bad debug level %q: must be 0-9", val)
		}
		c.Global.Debug = n
	case "adminaddr":
		c.Global.AdminAddr = val
	case "failover":
		c.Global.Failover = append(c.Global.Failover, val)
	default:
		return fmt.Errorf("unknown global option %q", key)
	}
	return nil
}

func yesNo(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("value must be \"yes\" or \"no\", not %q", val)
}

func (s *Interface) setOption(key, val string) error {
	switch key {
	case "direction":
		s.Direction = val
	case "name":
		s.Name = strings.ToLower(val)
	case "checksum":
		s.Checksum = val
	case "strict":
		b, err := yesNo(val)
		if err != nil {
			return err
		}
		s.Strict = &b
	case "persist":
		s.Persist = val
	case "optional":
		b, err := yesNo(val)
		if err != nil {
			return err
		}
		s.Optional = b
	case "loopback":
		b, err := yesNo(val)
		if err != nil {
			return err
		}
		s.Loopback = b
	case "eol":
		switch strings.ToLower(val) {
		case "n":
			s.NoCR = true
		case "rn":
			s.NoCR = false
		default:
			return fmt.Errorf("eol must be \"n\" or \"rn\", not %q", val)
		}
	case "heartbeat":
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid heartbeat interval %q", val)
		}
		s.Heartbeat = n
	case "qsize":
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid queue size %q", val)
		}
		s.QSize = n
	case "ifilter":
		s.IFilter = val
	case "ofilter":
		s.OFilter = val
	case "timestamp":
		s.Timestamp = val
	case "srctag":
		s.SrcTag = val
	default:
		s.Options[key] = val
	}
	return nil
}
