/*
Package cli facilitates building command-line applications that talk to a Bluelink account. It
defines a [Config] type that registers common command-line flags (using [pflag]) and their
environment variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (the account
password and PIN) in an OS-dependent credential store.

# Examples

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		panic(err)
	}
	cli.LoadEnvFile("")               // Loads .env, if present, without overriding the environment
	config.RegisterCommandLineFlags(pflag.CommandLine)
	pflag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadCredentials()          // Reads the password and PIN from the keyring if needed

	manager := session.New(config.Factory(userAgent), config.Credentials(), session.Config{TargetVIN: config.VIN})

Use a [Flag] mask to control what [Config] fields are populated. Config.Flags must be set before
calling [pflag.Parse] or [Config.ReadFromEnvironment].
*/
package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/pkg/account"
	"github.com/remotecar/bluelink-proxy/pkg/connector/inet"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set common parameters. Where
// two names exist for one setting, the first takes precedence.
const (
	EnvUsername        = "BLUELINK_USERNAME"
	EnvUsernameAlt     = "BLUELINK_USER"
	EnvPassword        = "BLUELINK_PASSWORD"
	EnvPasswordAlt     = "BLUELINK_PASS"
	EnvPIN             = "BLUELINK_PIN"
	EnvRegion          = "BLUELINK_REGION"
	EnvBrand           = "BLUELINK_BRAND"
	EnvVIN             = "BLUELINK_VIN"
	EnvAPIURL          = "BLUELINK_API_URL"
	EnvKeyringType     = "BLUELINK_KEYRING_TYPE"
	EnvKeyringPass     = "BLUELINK_KEYRING_PASSWORD"
	EnvKeyringPath     = "BLUELINK_KEYRING_PATH"
	EnvKeyringDebug    = "BLUELINK_KEYRING_DEBUG"
	DefaultEnvFilename = ".env"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagAccount Flag = 1 // Enable username, region, brand, and API URL options.
	FlagVIN     Flag = 2 // Enable VIN option.
	FlagKeyring Flag = 4 // Enable keyring options for the password and PIN.
	FlagAll     Flag = FlagAccount | FlagVIN | FlagKeyring
)

var (
	ErrNoUsername  = errors.New("account username not provided")
	ErrNoKeyring   = errors.New("keyring type not provided")
	ErrKeyNotFound = keyring.ErrKeyNotFound
)

// Config fields determine how a client logs in to the Bluelink account.
type Config struct {
	Flags       Flag // Controls which set of environment variables/CLI flags to use.
	Username    string
	Region      string
	Brand       string
	VIN         string
	APIURL      string
	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	password        string
	pin             string
	keyringPassword *string
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

// LoadEnvFile loads variables from filename into the process environment without overriding
// variables that are already set. An empty filename loads DefaultEnvFilename if it exists.
func LoadEnvFile(filename string) error {
	if filename == "" {
		if _, err := os.Stat(DefaultEnvFilename); err != nil {
			return nil
		}
		filename = DefaultEnvFilename
	}
	if err := godotenv.Load(filename); err != nil {
		return fmt.Errorf("failed to load environment file %s: %w", filename, err)
	}
	log.Debug("Loaded environment from %s", filename)
	return nil
}

func (c *Config) RegisterCommandLineFlags(fs *pflag.FlagSet) {
	if c.Flags.isSet(FlagAccount) {
		fs.StringVar(&c.Username, "username", "", "Bluelink account `username`. Defaults to $BLUELINK_USERNAME.")
		fs.StringVar(&c.Region, "region", "", "Account region (US|CA|EU). Defaults to $BLUELINK_REGION, then US.")
		fs.StringVar(&c.Brand, "brand", "", "Vehicle brand (Hyundai|Kia|Genesis). Defaults to $BLUELINK_BRAND, then Hyundai.")
		fs.StringVar(&c.APIURL, "api-url", "", "Base `URL` of the Bluelink REST bridge. Defaults to $BLUELINK_API_URL.")
	}
	if c.Flags.isSet(FlagVIN) {
		fs.StringVar(&c.VIN, "vin", "", "Vehicle Identification Number. Defaults to $BLUELINK_VIN.")
	}
	if c.Flags.isSet(FlagKeyring) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $BLUELINK_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", "", "keyring `directory` for file-backed keyring types. Defaults to $BLUELINK_KEYRING_PATH, then "+keyringDirectory+".")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after pflag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagAccount) {
		if c.Username == "" {
			c.Username = firstEnv(EnvUsername, EnvUsernameAlt)
			log.Debug("Set username to '%s'", c.Username)
		}
		if c.Region == "" {
			c.Region = os.Getenv(EnvRegion)
		}
		if c.Brand == "" {
			c.Brand = os.Getenv(EnvBrand)
		}
		if c.APIURL == "" {
			c.APIURL = os.Getenv(EnvAPIURL)
			log.Debug("Set API URL to '%s'", c.APIURL)
		}
		if c.password == "" {
			c.password = firstEnv(EnvPassword, EnvPasswordAlt)
		}
		if c.pin == "" {
			c.pin = os.Getenv(EnvPIN)
		}
	}
	if c.Flags.isSet(FlagVIN) {
		if c.VIN == "" {
			c.VIN = os.Getenv(EnvVIN)
			log.Debug("Set VIN to '%s'", c.VIN)
		}
	}
	if c.Flags.isSet(FlagKeyring) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.keyringPassword == nil {
			password := os.Getenv(EnvKeyringPass)
			c.keyringPassword = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			if c.Backend.FileDir == "" {
				c.Backend.FileDir = keyringDirectory
			}
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
		keyring.Debug = c.Debug
	}
}

// KeyringConfigured returns true if a keyring backend was selected.
func (c *Config) KeyringConfigured() bool {
	return c.Flags.isSet(FlagKeyring) && c.BackendType.String() != string(keyring.InvalidBackend)
}

// LoadCredentials fills in a password and PIN missing from the environment using the system
// keyring. It does nothing if no keyring is configured. Absent keyring entries are not an error;
// the session reports incomplete credentials instead.
func (c *Config) LoadCredentials() error {
	if !c.KeyringConfigured() || (c.password != "" && c.pin != "") {
		return nil
	}
	if c.Username == "" {
		return ErrNoUsername
	}
	if c.password == "" {
		password, err := c.loadSecret(keyringPasswordService)
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}
		c.password = password
	}
	if c.pin == "" {
		pin, err := c.loadSecret(keyringPINService)
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}
		c.pin = pin
	}
	return nil
}

// SetSecrets overrides the password and PIN.
func (c *Config) SetSecrets(password, pin string) {
	c.password = password
	c.pin = pin
}

// Credentials returns the account credentials with region and brand normalized.
func (c *Config) Credentials() account.Credentials {
	return account.Credentials{
		Username: c.Username,
		Password: c.password,
		PIN:      c.pin,
		Region:   account.ParseRegion(c.Region),
		Brand:    account.ParseBrand(c.Brand),
	}
}

// Factory returns an account.Factory for the configured REST bridge.
func (c *Config) Factory(userAgent string) account.Factory {
	return inet.NewFactory(c.APIURL, userAgent)
}
