package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// defaultKeyNames are tried in order under ~/.ssh when no key is set.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes how to reach one host. CommandClient keeps a base Config
// and derives one per instance with WithHost.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod AuthMethod
	Password   string

	// PrivateKeyPath defaults to the first key found in ~/.ssh.
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath verifies host keys unless InsecureIgnoreHostKey is set.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool

	// ConnectionTimeout bounds the dial and the handshake.
	ConnectionTimeout time.Duration

	// KeepAliveInterval enables keep-alive requests; the connection is
	// dropped after MaxKeepAliveRetries unanswered ones.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int
}

// DefaultConfig returns key authentication on port 22, verified against
// ~/.ssh/known_hosts, with a 30s connection timeout.
func DefaultConfig(host, user string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:                host,
		Port:                22,
		User:                user,
		AuthMethod:          AuthMethodKey,
		KnownHostsPath:      filepath.Join(home, ".ssh", "known_hosts"),
		ConnectionTimeout:   30 * time.Second,
		MaxKeepAliveRetries: 3,
	}
}

// WithHost returns a copy of c for another host.
func (c *Config) WithHost(host string) *Config {
	cp := *c
	cp.Host = host
	return &cp
}

// Address returns host:port, bracketing IPv6 hosts.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports every problem with c. For key authentication it fills in
// a default key path when none is set.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if err := c.validateAuth(); err != nil {
		errs = append(errs, err)
	}
	if c.KnownHostsPath == "" && !c.InsecureIgnoreHostKey {
		errs = append(errs, errors.New("known hosts path is required unless host key checking is disabled"))
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("connection timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
		return nil
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
		}
		if c.PrivateKeyPath == "" {
			return errors.New("private key path is required for key authentication and no default key found")
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
		return nil
	}
	return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

func findDefaultKey() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range defaultKeyNames {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig turns c into an x/crypto/ssh client configuration.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Some servers only offer keyboard-interactive; answer every prompt
		// with the password.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := parseSigner(pem, c.PrivateKeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

func parseSigner(pem []byte, passphrase string) (ssh.Signer, error) {
	if passphrase == "" {
		return ssh.ParsePrivateKey(pem)
	}
	return ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}
