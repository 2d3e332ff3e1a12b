package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	host            string
	port            string
	replicaOf       string // "<host> <port>", empty on a primary
	dir             string
	dbFilename      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	busBuffer       int
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	logMetricsEvery time.Duration
}

func parseFlags(argv []string, out io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("resp-server", flag.ContinueOnError)
	fs.SetOutput(out)

	host := fs.String("host", "127.0.0.1", "Listen address")
	port := fs.String("port", "6379", "Listen port")
	replicaOf := fs.String("replicaof", "", `Run as replica of "<host> <port>"`)
	dir := fs.String("dir", "", "Reported working directory (CONFIG GET dir)")
	dbFilename := fs.String("dbfilename", "", "Reported database filename (CONFIG GET dbfilename)")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	busBuffer := fs.Int("repl-buffer", 32, "Per-replica replication bus buffer (frames)")
	maxClients := fs.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := fs.Duration("handshake-timeout", 3*time.Second, "Replication handshake timeout")
	clientReadTO := fs.Duration("client-read-timeout", 0, "Per-connection idle read deadline (0 = none)")
	mdnsEnable := fs.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default resp-server-<hostname>)")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(argv); err != nil {
		return nil, false, err
	}
	if fs.NArg() > 0 {
		return nil, false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg := &appConfig{
		host:            *host,
		port:            *port,
		replicaOf:       *replicaOf,
		dir:             *dir,
		dbFilename:      *dbFilename,
		logFormat:       *logFormat,
		logLevel:        *logLevel,
		metricsAddr:     *metricsAddr,
		busBuffer:       *busBuffer,
		maxClients:      *maxClients,
		handshakeTO:     *handshakeTO,
		clientReadTO:    *clientReadTO,
		mdnsEnable:      *mdnsEnable,
		mdnsName:        *mdnsName,
		logMetricsEvery: *logMetricsEvery,
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, *showVersion, nil
}

// primaryAddr returns the host:port of the configured primary, or "" when
// running as a primary.
func (c *appConfig) primaryAddr() (string, error) {
	if c.replicaOf == "" {
		return "", nil
	}
	host, port, ok := strings.Cut(c.replicaOf, " ")
	if !ok || host == "" || port == "" {
		return "", fmt.Errorf("invalid replicaof %q (want \"<host> <port>\")", c.replicaOf)
	}
	return net.JoinHostPort(host, port), nil
}

// validate performs semantic checks of the parsed configuration. It does not
// open listeners, only checks values and ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if n, err := strconv.Atoi(c.port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port: %s", c.port)
	}
	if c.host == "" {
		return errors.New("host must not be empty")
	}
	if c.busBuffer <= 0 {
		return fmt.Errorf("repl-buffer must be > 0 (got %d)", c.busBuffer)
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO < 0 {
		return fmt.Errorf("client-read-timeout must be >= 0")
	}
	if _, err := c.primaryAddr(); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides maps RESP_SERVER_* environment variables to config
// fields unless the corresponding flag was explicitly set. Empty values are
// ignored; durations use Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["host"]; !ok {
		if v, ok := get("RESP_SERVER_HOST"); ok && v != "" {
			c.host = v
		}
	}
	if _, ok := set["port"]; !ok {
		if v, ok := get("RESP_SERVER_PORT"); ok && v != "" {
			c.port = v
		}
	}
	if _, ok := set["replicaof"]; !ok {
		if v, ok := get("RESP_SERVER_REPLICAOF"); ok && v != "" {
			c.replicaOf = v
		}
	}
	if _, ok := set["dir"]; !ok {
		if v, ok := get("RESP_SERVER_DIR"); ok && v != "" {
			c.dir = v
		}
	}
	if _, ok := set["dbfilename"]; !ok {
		if v, ok := get("RESP_SERVER_DBFILENAME"); ok && v != "" {
			c.dbFilename = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("RESP_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("RESP_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("RESP_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["repl-buffer"]; !ok {
		if v, ok := get("RESP_SERVER_REPL_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.busBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid RESP_SERVER_REPL_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("RESP_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid RESP_SERVER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("RESP_SERVER_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid RESP_SERVER_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("RESP_SERVER_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid RESP_SERVER_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("RESP_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("RESP_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("RESP_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid RESP_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
