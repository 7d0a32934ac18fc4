package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Store persists client state between invocations: the login token, the
// default hardware flavor, and the last-used script repository.
//
// Read points: Load (token fallback), the uv run command (script repo
// fallback), the run command (default flavor). Write points: SetToken on
// login, SetScriptRepo after a successful uv run targeting a new repository.
// Nothing else touches the file; there is no ambient global state.
type Store struct {
	v    *viper.Viper
	path string
}

// Keys in the persisted config file.
const (
	keyToken      = "token"
	keyFlavor     = "default_flavor"
	keyScriptRepo = "script_repo"
)

// DefaultStorePath returns ~/.config/hfjobs/config.yaml.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "hfjobs", "config.yaml"), nil
}

// OpenStore loads the persisted config at path. A missing file yields an
// empty store; writes create it with owner-only permissions.
func OpenStore(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return &Store{v: v, path: path}, nil
}

// Token returns the persisted login token, or "".
func (s *Store) Token() string {
	return s.v.GetString(keyToken)
}

// SetToken persists a login token.
func (s *Store) SetToken(token string) error {
	s.v.Set(keyToken, token)
	return s.write()
}

// DefaultFlavor returns the persisted default hardware flavor, or "".
func (s *Store) DefaultFlavor() string {
	return s.v.GetString(keyFlavor)
}

// ScriptRepo returns the last-used script repository, or "".
func (s *Store) ScriptRepo() string {
	return s.v.GetString(keyScriptRepo)
}

// SetScriptRepo persists the last-used script repository.
func (s *Store) SetScriptRepo(repo string) error {
	s.v.Set(keyScriptRepo, repo)
	return s.write()
}

func (s *Store) write() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	// The file may hold a token.
	return os.Chmod(s.path, 0o600)
}
