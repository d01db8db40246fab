package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/remotecar/bluelink-proxy/internal/dispatcher"
	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/pkg/cli"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
	"github.com/remotecar/bluelink-proxy/pkg/proxy"
	"github.com/remotecar/bluelink-proxy/pkg/session"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 8080
	userAgent   = "bluelink-http-proxy/1.0"
)

const (
	EnvTlsCert       = "BLUELINK_HTTP_PROXY_TLS_CERT"
	EnvTlsKey        = "BLUELINK_HTTP_PROXY_TLS_KEY"
	EnvHost          = "BLUELINK_HTTP_PROXY_HOST"
	EnvPort          = "PORT"
	EnvTimeout       = "BLUELINK_TIMEOUT"
	EnvRetryInterval = "BLUELINK_RETRY_INTERVAL"
	EnvSerialize     = "BLUELINK_SERIALIZE"
	EnvStrictVIN     = "BLUELINK_STRICT_VIN"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogFormat     = "LOG_FORMAT"
	EnvAPIKey        = "API_KEY"
	EnvAPIKeyAlt     = "X_API_KEY"
)

const description = `
A server that exposes a REST API for sending commands to a Hyundai, Kia, or Genesis vehicle
through a Bluelink account. Vehicle commands require the X-API-Key header.`

// HttpProxyConfig holds server settings that are not part of the account configuration.
type HttpProxyConfig struct {
	certFilename  string
	keyFilename   string
	host          string
	port          int
	timeout       time.Duration
	retryInterval time.Duration
	serialize     bool
	strictVIN     bool
	logLevel      string
	logFormat     string
	envFile       string
	apiKey        string
}

func (c *HttpProxyConfig) registerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.certFilename, "cert", "", "TLS certificate chain `file` with concatenated server, intermediate CA, and root CA certificates")
	fs.StringVar(&c.keyFilename, "tls-key", "", "Server TLS private key `file`")
	fs.StringVar(&c.host, "host", defaultHost, "Proxy server `hostname`")
	fs.IntVar(&c.port, "port", defaultPort, "`Port` to listen on")
	fs.DurationVar(&c.timeout, "timeout", dispatcher.DefaultTimeout, "Timeout applied to every upstream Bluelink call")
	fs.DurationVar(&c.retryInterval, "retry-interval", session.DefaultRetryInterval, "Delay before retrying a failed session setup")
	fs.BoolVar(&c.serialize, "serialize", true, "Run vehicle actions one at a time")
	fs.BoolVar(&c.strictVIN, "strict-vin", false, "Fail instead of falling back to the first vehicle when the configured VIN is not on the account")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log `level` (error|warn|info|debug)")
	fs.StringVar(&c.logFormat, "log-format", "console", "Log `format` (console|json)")
	fs.StringVar(&c.envFile, "env-file", "", "Load environment variables from `file`. Defaults to "+cli.DefaultEnvFilename+" if present.")
}

func parseBool(name, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %s", name, value)
	}
	return b, nil
}

// parseInterval accepts a Go duration ("90s", "5m") or a bare number of seconds.
func parseInterval(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

// readFromEnvironment applies configuration from environment variables. Values set on the command
// line are not overwritten.
func (c *HttpProxyConfig) readFromEnvironment(fs *pflag.FlagSet) error {
	lookup := func(flagName, env string) (string, bool) {
		if fs.Changed(flagName) {
			return "", false
		}
		value, ok := os.LookupEnv(env)
		return value, ok && value != ""
	}

	if value, ok := lookup("cert", EnvTlsCert); ok {
		c.certFilename = value
	}
	if value, ok := lookup("tls-key", EnvTlsKey); ok {
		c.keyFilename = value
	}
	if value, ok := lookup("host", EnvHost); ok {
		c.host = value
	}
	if value, ok := lookup("log-level", EnvLogLevel); ok {
		c.logLevel = value
	}
	if value, ok := lookup("log-format", EnvLogFormat); ok {
		c.logFormat = value
	}

	var err error
	if value, ok := lookup("port", EnvPort); ok {
		if c.port, err = strconv.Atoi(value); err != nil {
			return fmt.Errorf("invalid port: %s", value)
		}
	}
	if value, ok := lookup("timeout", EnvTimeout); ok {
		if c.timeout, err = parseInterval(value); err != nil {
			return fmt.Errorf("invalid timeout: %s", value)
		}
	}
	if value, ok := lookup("retry-interval", EnvRetryInterval); ok {
		if c.retryInterval, err = parseInterval(value); err != nil {
			return fmt.Errorf("invalid retry interval: %s", value)
		}
	}
	if value, ok := lookup("serialize", EnvSerialize); ok {
		if c.serialize, err = parseBool("serialize", value); err != nil {
			return err
		}
	}
	if value, ok := lookup("strict-vin", EnvStrictVIN); ok {
		if c.strictVIN, err = parseBool("strict-vin", value); err != nil {
			return err
		}
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv(EnvAPIKey)
		if c.apiKey == "" {
			c.apiKey = os.Getenv(EnvAPIKeyAlt)
		}
	}
	return nil
}

func (c *HttpProxyConfig) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// configureLogging applies the log format and level. An unknown level falls back to info.
func (c *HttpProxyConfig) configureLogging() {
	log.SetFormat(c.logFormat)
	level, err := log.ParseLevel(c.logLevel)
	log.SetLevel(level)
	if err != nil {
		log.Warning("Using log level %s: %s", level, err)
	}
}

func Usage() {
	out := os.Stderr
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintln(out, description)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	pflag.PrintDefaults()
}

func main() {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			log.Sync()
			os.Exit(1)
		}
	}()

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		return
	}
	httpConfig := &HttpProxyConfig{}

	pflag.Usage = Usage
	httpConfig.registerFlags(pflag.CommandLine)
	config.RegisterCommandLineFlags(pflag.CommandLine)
	pflag.Parse()

	if err = cli.LoadEnvFile(httpConfig.envFile); err != nil {
		return
	}
	if err = httpConfig.readFromEnvironment(pflag.CommandLine); err != nil {
		return
	}
	httpConfig.configureLogging()
	config.ReadFromEnvironment()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, httpConfig, config)
	log.Sync()
}

func run(ctx context.Context, httpConfig *HttpProxyConfig, config *cli.Config) error {
	if httpConfig.apiKey == "" {
		log.Error("API key missing: set %s or %s", EnvAPIKey, EnvAPIKeyAlt)
		return protocol.ErrMissingAPIKey
	}

	if err := config.LoadCredentials(); err != nil {
		log.Warning("Could not read credentials from keyring: %s", err)
	}
	creds := config.Credentials()
	if !creds.Complete() {
		log.Warning("Missing credentials (%s); vehicle commands will be unavailable", strings.Join(creds.Missing(), ", "))
	}

	manager := session.New(config.Factory(userAgent), creds, session.Config{
		TargetVIN:     config.VIN,
		StrictVIN:     httpConfig.strictVIN,
		RetryInterval: httpConfig.retryInterval,
		Timeout:       httpConfig.timeout,
	})
	d := dispatcher.New(manager, httpConfig.timeout, httpConfig.serialize)
	defer d.Close()

	p, err := proxy.New(manager, d, httpConfig.apiKey)
	if err != nil {
		return err
	}
	server := NewServer(httpConfig.addr(), p, httpConfig.certFilename, httpConfig.keyFilename)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return manager.Start(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Server stopped")
	return nil
}
