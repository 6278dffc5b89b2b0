// Package session resolves per-profile paths under the user's home
// directory. Each profile gets its own cache database, socket, lock and
// log file so several accounts can run side by side.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/KLOUTZINMODZ/zenithchat/internal/config"
)

const envProfile = "ZENITHCHAT_PROFILE"

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Session is the resolved filesystem layout for one profile.
type Session struct {
	Profile string
	Root    string // ~/.zenithchat
	Dir     string // ~/.zenithchat/profiles/<name>
}

// BaseDir returns ~/.zenithchat.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, ".zenithchat"), nil
}

// Resolve picks the profile name: the explicit flag wins, then the
// environment, then the configured default, then "default".
func Resolve(flagValue string) (*Session, error) {
	root, err := BaseDir()
	if err != nil {
		return nil, err
	}

	name := flagValue
	if name == "" {
		name = os.Getenv(envProfile)
	}
	if name == "" {
		if cfg, err := config.Load(ConfigPath(root)); err == nil || os.IsNotExist(err) {
			name = cfg.DefaultProfile
		}
	}
	if name == "" {
		name = "default"
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Session{
		Profile: name,
		Root:    root,
		Dir:     filepath.Join(root, "profiles", name),
	}, nil
}

// ValidateName rejects profile names that would escape the profiles dir
// or be awkward on disk.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid profile name %q", name)
	}
	return nil
}

// EnsureDir creates the profile directory tree.
func (s *Session) EnsureDir() error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("creating profile dir: %w", err)
	}
	return nil
}

func ConfigPath(root string) string { return filepath.Join(root, "config.toml") }

func (s *Session) ConfigPath() string  { return ConfigPath(s.Root) }
func (s *Session) SocketPath() string  { return filepath.Join(s.Dir, "engine.sock") }
func (s *Session) LockPath() string    { return filepath.Join(s.Dir, "engine.lock") }
func (s *Session) CacheDBPath() string { return filepath.Join(s.Dir, "cache.db") }
func (s *Session) LogPath() string     { return filepath.Join(s.Dir, "engine.log") }
