package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Config holds SSH connection configuration for the host that runs helm
// and command hooks.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host" json:"host" validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`

	// User is the SSH username
	User string `yaml:"user" json:"user" validate:"required"`

	// AuthMethod is inferred from the credentials when empty.
	AuthMethod AuthMethod `yaml:"auth_method" json:"auth_method" validate:"omitempty,oneof=password key"`

	// Password for password-based authentication
	Password string `yaml:"password" json:"password"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key_path" json:"private_key_path"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase" json:"private_key_passphrase"`

	// Signer takes precedence over PrivateKeyPath.
	Signer ssh.Signer `yaml:"-" json:"-"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts_path" json:"known_hosts_path"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`

	// KeepAliveInterval is the interval for sending keep-alive messages
	// Set to 0 to disable keep-alive
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
	}
}

// authMethod returns the configured or inferred authentication method.
func (c *Config) authMethod() AuthMethod {
	if c.AuthMethod != "" {
		return c.AuthMethod
	}
	if c.Signer != nil || c.PrivateKeyPath != "" {
		return AuthMethodKey
	}
	return AuthMethodPassword
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.authMethod() {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.Signer != nil {
			break
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.authMethod() {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers prompt through keyboard-interactive instead
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		signer := c.Signer
		if signer == nil {
			keyBytes, err := os.ReadFile(c.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			if c.PrivateKeyPassphrase != "" {
				signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
			} else {
				signer, err = ssh.ParsePrivateKey(keyBytes)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() // #nosec G106 -- opt-in via StrictHostKeyChecking=false
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
