package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultAuthorizedKeysPath is resolved against the login directory.
	DefaultAuthorizedKeysPath = ".ssh/authorized_keys"

	// ManagedKeyComment tags the key line this installer owns.
	ManagedKeyComment = "labforge-managed"
)

// MergeAuthorizedKeys returns the authorized_keys content with key installed
// as the single line tagged comment. Earlier tagged lines and other copies of
// the same key are removed; every other line is kept as is.
func MergeAuthorizedKeys(existing []byte, key, comment string) ([]byte, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	wire := pub.Marshal()

	var out bytes.Buffer
	for _, line := range strings.Split(string(existing), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			if other, c, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed)); err == nil {
				if c == comment || bytes.Equal(other.Marshal(), wire) {
					continue
				}
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}

	out.Write(bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub)))
	out.WriteString(" " + comment + "\n")
	return out.Bytes(), nil
}

// KeyInstaller writes project keys into authorized_keys over SFTP.
type KeyInstaller struct {
	config *Config
	path   string
}

// NewKeyInstaller creates an installer that logs in with config.
// An empty keysPath means DefaultAuthorizedKeysPath.
func NewKeyInstaller(config *Config, keysPath string) *KeyInstaller {
	if keysPath == "" {
		keysPath = DefaultAuthorizedKeysPath
	}
	return &KeyInstaller{config: config, path: keysPath}
}

// Install replaces the managed key on host with key. The file is rewritten
// through a temporary file and a rename so a dropped connection never leaves
// it truncated.
func (k *KeyInstaller) Install(ctx context.Context, host, key string) error {
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	client, err := Dial(ctx, k.config.ForHost(host))
	if err != nil {
		return err
	}
	defer client.Close()

	sc, err := client.SFTP()
	if err != nil {
		return err
	}
	defer sc.Close()

	fail := func(err error) error {
		return &TransportError{Op: "sftp", Host: host, Err: err, IsTemporary: true}
	}

	dir := path.Dir(k.path)
	if err := sc.MkdirAll(dir); err != nil {
		return fail(fmt.Errorf("failed to create %s: %w", dir, err))
	}
	if err := sc.Chmod(dir, 0o700); err != nil {
		log.Warn().Err(err).Str("host", host).Str("dir", dir).Msg("failed to set key directory permissions")
	}

	var existing []byte
	f, err := sc.Open(k.path)
	switch {
	case err == nil:
		existing, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			return fail(fmt.Errorf("failed to read %s: %w", k.path, err))
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fail(fmt.Errorf("failed to open %s: %w", k.path, err))
	}

	merged, err := MergeAuthorizedKeys(existing, key, ManagedKeyComment)
	if err != nil {
		return err
	}

	tmp := k.path + ".labforge-tmp"
	w, err := sc.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fail(fmt.Errorf("failed to create %s: %w", tmp, err))
	}
	if _, err := w.Write(merged); err != nil {
		w.Close()
		return fail(fmt.Errorf("failed to write %s: %w", tmp, err))
	}
	if err := w.Close(); err != nil {
		return fail(fmt.Errorf("failed to close %s: %w", tmp, err))
	}
	if err := sc.Chmod(tmp, 0o600); err != nil {
		return fail(fmt.Errorf("failed to chmod %s: %w", tmp, err))
	}
	if err := sc.PosixRename(tmp, k.path); err != nil {
		_ = sc.Remove(tmp)
		return fail(fmt.Errorf("failed to replace %s: %w", k.path, err))
	}

	log.Info().Str("host", host).Str("path", k.path).Msg("project key installed")
	return nil
}
