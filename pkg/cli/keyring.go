package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName     = "com.remotecar.bluelink"
	keyringPasswordService = "password"
	keyringPINService      = "pin"
	keyringDirectory       = "~/.bluelink_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

func (b backendType) Type() string {
	return "type"
}

// PromptSecret reads a value from the terminal without echoing it.
func PromptSecret(prompt string) (string, error) {
	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		} else {
			w = os.Stderr
		}
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.keyringPassword != nil && *c.keyringPassword != "" {
		return *c.keyringPassword, nil
	}
	password, err := PromptSecret(prompt)
	if err != nil {
		return "", err
	}
	c.keyringPassword = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	if !c.KeyringConfigured() {
		return nil, ErrNoKeyring
	}
	return keyring.Open(c.Backend)
}

func (c *Config) itemKey(service string) string {
	return service + "." + c.Username
}

func (c *Config) loadSecret(service string) (string, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}
	item, err := kr.Get(c.itemKey(service))
	if err != nil {
		return "", fmt.Errorf("could not load %s: %w", service, err)
	}
	return string(item.Data), nil
}

// SaveCredentials writes the account password and PIN to the system keyring under the configured
// username.
func (c *Config) SaveCredentials(password, pin string) error {
	if c.Username == "" {
		return ErrNoUsername
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	secrets := map[string]string{keyringPasswordService: password, keyringPINService: pin}
	for service, value := range secrets {
		if err := kr.Set(keyring.Item{
			Key:   c.itemKey(service),
			Label: "Bluelink " + service + " for " + c.Username,
			Data:  []byte(value),
		}); err != nil {
			return fmt.Errorf("failed to enroll %s in keyring: %w", service, err)
		}
	}
	c.SetSecrets(password, pin)
	return nil
}

// DeleteCredentials removes the password and PIN from the system keyring.
func (c *Config) DeleteCredentials() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	for _, service := range []string{keyringPasswordService, keyringPINService} {
		if err := kr.Remove(c.itemKey(service)); err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}
	}
	return nil
}
