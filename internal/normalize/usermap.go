package normalize

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// UserMapVersion is the newest user map format this build understands.
const UserMapVersion = 1

// ErrUserMapVersion is returned for a user map written by a newer format.
var ErrUserMapVersion = errors.New("unsupported user map version")

// UserMap is the versioned lookup resource that turns numeric user
// identifiers into display names and numeric reaction codes into symbolic
// reactions. A nil *UserMap is valid and resolves nothing.
//
// File format:
//
//	version = 1
//	[users]
//	"1234567" = "alice"
//	[reactions]
//	"1" = "heart"
type UserMap struct {
	version   int
	users     map[string]string
	reactions map[string]string
}

type userMapFile struct {
	Version   int               `toml:"version"`
	Users     map[string]string `toml:"users"`
	Reactions map[string]string `toml:"reactions"`
}

// NewUserMap builds a user map in memory.
func NewUserMap(users, reactions map[string]string) *UserMap {
	m := &UserMap{
		version:   UserMapVersion,
		users:     make(map[string]string, len(users)),
		reactions: make(map[string]string, len(reactions)),
	}
	for k, v := range users {
		if v = strings.TrimSpace(v); v != "" {
			m.users[strings.TrimSpace(k)] = v
		}
	}
	for k, v := range reactions {
		if v = strings.TrimSpace(v); v != "" {
			m.reactions[strings.TrimSpace(k)] = v
		}
	}
	return m
}

// LoadUserMap reads a user map file. An empty path returns nil, which
// resolves nothing.
func LoadUserMap(path string) (*UserMap, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user map: %w", err)
	}
	return ParseUserMap(string(data))
}

// ParseUserMap parses user map TOML. A missing version is read as 1.
func ParseUserMap(data string) (*UserMap, error) {
	var f userMapFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decode user map: %w", err)
	}
	if f.Version == 0 {
		f.Version = UserMapVersion
	}
	if f.Version > UserMapVersion {
		return nil, fmt.Errorf("%w: %d (newest supported is %d)", ErrUserMapVersion, f.Version, UserMapVersion)
	}
	m := NewUserMap(f.Users, f.Reactions)
	m.version = f.Version
	return m, nil
}

// Version returns the format version the map was loaded from.
func (m *UserMap) Version() int {
	if m == nil {
		return 0
	}
	return m.version
}

// Len returns the number of user entries.
func (m *UserMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.users)
}

// User resolves a user identifier.
func (m *UserMap) User(id string) (string, bool) {
	if m == nil {
		return "", false
	}
	name, ok := m.users[strings.TrimSpace(id)]
	return name, ok
}

// Reaction resolves a numeric reaction code.
func (m *UserMap) Reaction(code string) (string, bool) {
	if m == nil {
		return "", false
	}
	r, ok := m.reactions[strings.TrimSpace(code)]
	return r, ok
}
