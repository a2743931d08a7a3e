package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Store is the hierarchical mapping configuration backing the whole
// pipeline, persisted as YAML under the workspace. Keys follow the
// layout the admin screens write:
//
//	credentials.site_name / user_name / password / host
//	forms.<domain>.<local_form_id>            -> remote form id
//	fields.<domain>.<local_form_id>.<key>     -> remote field id
//	form_extras.<domain>.<local_form_id>.<k>  -> language-prefixed extra
//
// Reads go straight to the backing viper instance so an admin edit
// followed by Save is visible to the next Resolve call; nothing is
// cached on top.
type Store struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string
}

// Credentials are the opaque remote API credentials.
type Credentials struct {
	SiteName string
	UserName string
	Password string
	Host     string
}

// OpenStore reads the mapping store, starting empty when the file does
// not exist yet.
func OpenStore(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read mapping store %s: %w", path, err)
		}
	}
	return &Store{v: v, path: path}, nil
}

func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
}

// Clear removes a key and everything beneath it.
func (s *Store) Clear(keyPrefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.v.AllSettings()
	deletePath(settings, strings.Split(strings.ToLower(keyPrefix), "."))
	next := viper.New()
	next.SetConfigFile(s.path)
	next.SetConfigType("yaml")
	_ = next.MergeConfigMap(settings)
	s.v = next
}

// Save writes the store back to its file.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return s.v.WriteConfigAs(s.path)
}

func deletePath(m map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		delete(m, path[0])
		return
	}
	sub, ok := m[path[0]].(map[string]any)
	if !ok {
		return
	}
	deletePath(sub, path[1:])
	if len(sub) == 0 {
		delete(m, path[0])
	}
}

// Credentials returns the remote API credentials block.
func (s *Store) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Credentials{
		SiteName: s.v.GetString("credentials.site_name"),
		UserName: s.v.GetString("credentials.user_name"),
		Password: s.v.GetString("credentials.password"),
		Host:     s.v.GetString("credentials.host"),
	}
}

// SetCredentials stores the remote API credentials block.
func (s *Store) SetCredentials(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set("credentials.site_name", c.SiteName)
	s.v.Set("credentials.user_name", c.UserName)
	s.v.Set("credentials.password", c.Password)
	s.v.Set("credentials.host", c.Host)
}

// RemoteFormID returns the remote form mapped to (domain, localFormID),
// reporting false when the pair is not configured.
func (s *Store) RemoteFormID(domain, localFormID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := fmt.Sprintf("forms.%s.%s", domain, localFormID)
	id := s.v.GetInt(key)
	if id == 0 {
		return 0, false
	}
	return id, true
}

// FieldID returns the remote field id mapped to one local field key,
// reporting false when that field is not configured to be sent.
func (s *Store) FieldID(domain, localFormID, localKey string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := fmt.Sprintf("fields.%s.%s.%s", domain, localFormID, localKey)
	id := s.v.GetString(key)
	if id == "" {
		return "", false
	}
	return id, true
}

// FieldMap returns all configured local->remote field mappings for a
// form. The map is empty, not nil-checked, when nothing is mapped.
// Returned keys are lowercase regardless of how they were configured,
// so callers must match payload keys case-insensitively.
func (s *Store) FieldMap(domain, localFormID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := fmt.Sprintf("fields.%s.%s", domain, localFormID)
	fields := s.v.GetStringMapString(key)
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Extras returns the extra render values for one form, filtered to the
// given language: stored keys are "<lang>_<key>" and are returned with
// the language prefix stripped.
func (s *Store) Extras(domain, localFormID, languageCode string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := fmt.Sprintf("form_extras.%s.%s", domain, localFormID)
	all := s.v.GetStringMapString(key)
	needle := languageCode + "_"
	out := map[string]string{}
	for k, v := range all {
		if strings.HasPrefix(k, needle) {
			out[strings.TrimPrefix(k, needle)] = v
		}
	}
	return out
}
