package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("labforge")

	if config.User != "labforge" {
		t.Errorf("expected user 'labforge', got '%s'", config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigForHost(t *testing.T) {
	base := DefaultConfig("labforge")

	tests := []struct {
		host     string
		wantHost string
		wantPort int
	}{
		{"10.0.0.5", "10.0.0.5", 22},
		{"10.0.0.5:2222", "10.0.0.5", 2222},
		{"edge.example.com", "edge.example.com", 22},
		{"[fd00::1]:2200", "fd00::1", 2200},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			c := base.ForHost(tt.host)
			if c.Host != tt.wantHost || c.Port != tt.wantPort {
				t.Errorf("ForHost(%q) = %s:%d, want %s:%d", tt.host, c.Host, c.Port, tt.wantHost, tt.wantPort)
			}
		})
	}
	if base.Host != "" {
		t.Error("ForHost modified the base config")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid password config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "valid inline key",
			modifyFunc: func(c *Config) { c.PrivateKey = []byte("pem") },
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name: "key file missing",
			modifyFunc: func(c *Config) {
				c.PrivateKey = nil
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name:       "no key at all",
			modifyFunc: func(c *Config) { c.PrivateKey = nil },
			errorMsg:   "private key is required",
		},
		{
			name:       "unknown auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "agent" },
			errorMsg:   "unsupported auth method",
		},
		{
			name: "strict checking without known hosts",
			modifyFunc: func(c *Config) {
				c.StrictHostKeyChecking = true
				c.KnownHostsPath = ""
			},
			errorMsg: "known hosts path is required",
		},
		{
			name:       "invalid connection timeout",
			modifyFunc: func(c *Config) { c.ConnectionTimeout = 0 },
			errorMsg:   "connection timeout must be positive",
		},
		{
			name:       "invalid command timeout",
			modifyFunc: func(c *Config) { c.CommandTimeout = 0 },
			errorMsg:   "command timeout must be positive",
		},
		{
			name: "proxy with missing user",
			modifyFunc: func(c *Config) {
				c.ProxyHost = "bastion.example.com"
				c.ProxyUser = ""
			},
			errorMsg: "proxy user is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("labforge").ForHost("example.com")
			config.PrivateKey = []byte("pem")
			config.StrictHostKeyChecking = false
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got: %v", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddresses(t *testing.T) {
	config := DefaultConfig("labforge").ForHost("example.com:2222")
	if got := config.Address(); got != "example.com:2222" {
		t.Errorf("Address() = %q", got)
	}

	if got := config.ProxyAddress(); got != "" {
		t.Errorf("ProxyAddress() without proxy = %q", got)
	}
	config.ProxyHost = "bastion.example.com"
	config.ProxyPort = 2200
	if got := config.ProxyAddress(); got != "bastion.example.com:2200" {
		t.Errorf("ProxyAddress() = %q", got)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("labforge")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig("labforge")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "labforge" {
			t.Errorf("expected user 'labforge', got '%s'", clientConfig.User)
		}
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected password and keyboard-interactive, got %d methods", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key file authentication", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "id_ed25519")
		if err := os.WriteFile(keyPath, marshalTestPrivateKey(t), 0o600); err != nil {
			t.Fatalf("failed to write test key: %v", err)
		}

		config := DefaultConfig("labforge")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig("jump")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "jump" || len(clientConfig.Auth) != 1 {
			t.Errorf("unexpected client config: user=%s auth=%d", clientConfig.User, len(clientConfig.Auth))
		}
	})

	t.Run("garbage key", func(t *testing.T) {
		config := DefaultConfig("labforge")
		config.PrivateKey = []byte("not a key")
		config.StrictHostKeyChecking = false

		if _, err := config.BuildSSHClientConfig("labforge"); err == nil || !strings.Contains(err.Error(), "failed to parse private key") {
			t.Errorf("expected parse error, got %v", err)
		}
	})

	t.Run("missing known hosts file", func(t *testing.T) {
		config := DefaultConfig("labforge")
		config.PrivateKey = marshalTestPrivateKey(t)
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.BuildSSHClientConfig("labforge"); err == nil || !strings.Contains(err.Error(), "known_hosts") {
			t.Errorf("expected known_hosts error, got %v", err)
		}
	})
}

// marshalTestPrivateKey returns a fresh ED25519 key in OpenSSH PEM format.
func marshalTestPrivateKey(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return pem.EncodeToMemory(block)
}
