// Package config holds the server configuration structure.
//
// Values come from $PBS_HOME/server_priv/pbs_server.yaml, PBS_* environment
// variables and command-line flags, in increasing precedence.
package config

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultRerunTimeout is how long a rerun request waits for the MOM when
// job_requeue_timeout is unset.
const DefaultRerunTimeout = 45 * time.Second

// Config holds runtime configuration for pbs_server.
type Config struct {
	PBSHome string // PBS home directory (default /var/spool/torque)
	Port    int    // Server port (default 15001)
	Debug   bool   // Debug mode

	// Derived paths
	ServerPriv string // server_priv directory
	JobsDir    string // server_priv/jobs
	NodesFile  string // server_priv/nodes
	LogDir     string // server_logs
	AcctDir    string // server_priv/accounting

	// Core settings
	ServerName   string
	DefaultQueue string
	MomPort      int    // MOM service port (default 15002)
	MetricsAddr  string // prometheus listener, "" disables it

	// Timeouts, in seconds
	TCPTimeout           int // per-request read deadline (default 300)
	TimeoutForJobRequeue int // qrerun timeout, 0 means DefaultRerunTimeout

	// Access control, "user@host" with "*" as a host wildcard
	Managers  []string
	Operators []string
}

// NewConfig creates a Config with defaults for the given PBS home.
func NewConfig(pbsHome string) *Config {
	c := &Config{
		PBSHome:      pbsHome,
		Port:         15001,
		DefaultQueue: "batch",
		MomPort:      15002,
		TCPTimeout:   300,
	}
	c.derivePaths()
	return c
}

func (c *Config) derivePaths() {
	c.ServerPriv = filepath.Join(c.PBSHome, "server_priv")
	c.JobsDir = filepath.Join(c.ServerPriv, "jobs")
	c.NodesFile = filepath.Join(c.ServerPriv, "nodes")
	c.LogDir = filepath.Join(c.PBSHome, "server_logs")
	c.AcctDir = filepath.Join(c.ServerPriv, "accounting")
}

// RequeueTimeout is how long a rerun waits for the MOM before the client is
// told the request is still in progress.
func (c *Config) RequeueTimeout() time.Duration {
	if c.TimeoutForJobRequeue <= 0 {
		return DefaultRerunTimeout
	}
	return time.Duration(c.TimeoutForJobRequeue) * time.Second
}

// RequestTimeout is the transport read deadline for one request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.TCPTimeout) * time.Second
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pbs_home", "/var/spool/torque")
	v.SetDefault("port", 15001)
	v.SetDefault("server_name", "")
	v.SetDefault("debug", false)
	v.SetDefault("default_queue", "batch")
	v.SetDefault("mom_port", 15002)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("tcp_timeout", 300)
	v.SetDefault("job_requeue_timeout", 0)
	v.SetDefault("managers", []string{})
	v.SetDefault("operators", []string{})
}

// Load reads the configuration from v. If pbs_server.yaml exists under
// the configured PBS home it is merged in first.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("PBS")
	v.AutomaticEnv()
	if err := v.BindEnv("pbs_home", "PBS_HOME"); err != nil {
		return nil, errors.Wrap(err, "bind PBS_HOME")
	}

	home := v.GetString("pbs_home")
	v.SetConfigFile(filepath.Join(home, "server_priv", "pbs_server.yaml"))
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "read pbs_server.yaml")
	}

	c := NewConfig(v.GetString("pbs_home"))
	c.Port = v.GetInt("port")
	c.Debug = v.GetBool("debug")
	c.ServerName = v.GetString("server_name")
	c.DefaultQueue = v.GetString("default_queue")
	c.MomPort = v.GetInt("mom_port")
	c.MetricsAddr = v.GetString("metrics_addr")
	c.TCPTimeout = v.GetInt("tcp_timeout")
	c.TimeoutForJobRequeue = v.GetInt("job_requeue_timeout")
	c.Managers = v.GetStringSlice("managers")
	c.Operators = v.GetStringSlice("operators")

	if c.ServerName == "" {
		c.ServerName = shortHostname()
	}
	if c.Port <= 0 || c.Port > 65535 {
		return nil, errors.Errorf("invalid port %d", c.Port)
	}
	return c, nil
}

func shortHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	if idx := strings.Index(hostname, "."); idx > 0 {
		hostname = hostname[:idx]
	}
	return hostname
}

// NodeDef is one line of the nodes file.
type NodeDef struct {
	Name     string
	NumProcs int
	MomPort  int
}

// ReadNodeFile parses the server_priv/nodes file: one "hostname [np=N]
// [mom_service_port=P]" per line, '#' starts a comment.
func ReadNodeFile(path string) ([]NodeDef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open nodes file")
	}
	defer f.Close()

	var defs []NodeDef
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		def := NodeDef{Name: fields[0], NumProcs: 1}
		for _, f := range fields[1:] {
			key, val, ok := strings.Cut(f, "=")
			var dst *int
			switch {
			case !ok:
				continue // node properties
			case key == "np":
				dst = &def.NumProcs
			case key == "mom_service_port":
				dst = &def.MomPort
			default:
				continue
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, errors.Errorf("nodes file line %d: bad %s value %q", lineNo, key, val)
			}
			*dst = n
		}
		defs = append(defs, def)
	}
	return defs, errors.Wrap(scanner.Err(), "read nodes file")
}
