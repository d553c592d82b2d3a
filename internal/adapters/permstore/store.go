// Package permstore provides a crash-safe, HMAC-authenticated filesystem
// implementation of permission.Store.
package permstore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/permission"
)

const secretFileName = ".hmac-secret"

// tokenDTO is the on-disk representation of a permission.Token, with a MAC
// over its JSON-encoded fields to detect tampering or corruption.
type tokenDTO struct {
	ID        string                  `json:"id"`
	PluginID  string                  `json:"pluginId"`
	Granted   []permission.Descriptor `json:"granted"`
	IssuedAt  time.Time               `json:"issuedAt"`
	ExpiresAt *time.Time              `json:"expiresAt,omitempty"`
	MAC       string                  `json:"mac"`
}

// Store is a filesystem-backed permission.Store. Every write goes through
// a temp file and rename so a crash mid-write never leaves a corrupt
// token file in place, and every stored token carries an HMAC-SHA256 over
// an installation-scoped secret so LoadToken can detect tampering.
type Store struct {
	mu     sync.Mutex
	dir    string
	secret []byte
}

// NewStore creates a Store rooted at dir, generating and persisting an
// installation-scoped HMAC secret on first use.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("permstore: creating %s: %w", dir, err)
	}

	secret, err := loadOrCreateSecret(dir)
	if err != nil {
		return nil, err
	}

	return &Store{dir: dir, secret: secret}, nil
}

func loadOrCreateSecret(dir string) ([]byte, error) {
	path := filepath.Join(dir, secretFileName)

	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("permstore: reading secret: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("permstore: generating secret: %w", err)
	}

	if err := writeAtomic(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("permstore: persisting secret: %w", err)
	}

	return secret, nil
}

// SaveToken persists a token, replacing any existing one for the same
// plugin.
func (s *Store) SaveToken(tok *permission.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dto := tokenDTO{
		ID:        tok.ID,
		PluginID:  tok.PluginID,
		Granted:   tok.Granted,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
	}
	dto.MAC = s.mac(dto)

	data, err := json.MarshalIndent(&dto, "", "  ")
	if err != nil {
		return fmt.Errorf("permstore: encoding token for %q: %w", tok.PluginID, err)
	}

	if err := writeAtomic(s.pathFor(tok.PluginID), data, 0o600); err != nil {
		return fmt.Errorf("permstore: saving token for %q: %w", tok.PluginID, err)
	}
	return nil
}

// LoadToken returns the persisted token for a plugin. A missing file, a
// corrupt file, or a MAC mismatch are all indistinguishable failures:
// permission.ErrTokenNotFound, so a tampered token can never silently
// grant access.
func (s *Store) LoadToken(pluginID string) (*permission.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dto, err := s.readAndVerify(pluginID)
	if err != nil {
		return nil, err
	}
	return dtoToToken(dto), nil
}

func (s *Store) readAndVerify(pluginID string) (tokenDTO, error) {
	data, err := os.ReadFile(s.pathFor(pluginID))
	if err != nil {
		if os.IsNotExist(err) {
			return tokenDTO{}, permission.ErrTokenNotFound
		}
		return tokenDTO{}, fmt.Errorf("permstore: reading token for %q: %w", pluginID, err)
	}

	var dto tokenDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return tokenDTO{}, permission.ErrTokenNotFound
	}

	want := dto.MAC
	dto.MAC = ""
	got := s.mac(dto)
	dto.MAC = want

	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return tokenDTO{}, permission.ErrTokenNotFound
	}

	return dto, nil
}

// DeleteToken removes the persisted token for a plugin, if any.
func (s *Store) DeleteToken(pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pathFor(pluginID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("permstore: deleting token for %q: %w", pluginID, err)
	}
	return nil
}

// LoadAll returns every persisted token whose MAC verifies, silently
// skipping any that are missing, corrupt, or tampered.
func (s *Store) LoadAll() ([]*permission.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("permstore: listing %s: %w", s.dir, err)
	}

	var tokens []*permission.Token
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasSuffix(name, ".info.json") {
			continue
		}
		pluginID := strings.TrimSuffix(name, ".json")
		dto, err := s.readAndVerify(pluginID)
		if err != nil {
			if errors.Is(err, permission.ErrTokenNotFound) {
				continue
			}
			return nil, err
		}
		tokens = append(tokens, dtoToToken(dto))
	}
	return tokens, nil
}

// RecordPluginInfo persists a bookkeeping record for a plugin. Unlike
// tokens, these records are informational only and carry no MAC.
func (s *Store) RecordPluginInfo(info permission.PluginInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		return fmt.Errorf("permstore: encoding plugin info for %q: %w", info.PluginID, err)
	}

	if err := writeAtomic(s.infoPathFor(info.PluginID), data, 0o644); err != nil {
		return fmt.Errorf("permstore: recording plugin info for %q: %w", info.PluginID, err)
	}
	return nil
}

func (s *Store) infoPathFor(pluginID string) string {
	return filepath.Join(s.dir, pluginID+".info.json")
}

func (s *Store) mac(dto tokenDTO) string {
	dto.MAC = ""
	payload, _ := json.Marshal(&dto)

	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) pathFor(pluginID string) string {
	return filepath.Join(s.dir, pluginID+".json")
}

func dtoToToken(dto tokenDTO) *permission.Token {
	return &permission.Token{
		ID:        dto.ID,
		PluginID:  dto.PluginID,
		Granted:   dto.Granted,
		IssuedAt:  dto.IssuedAt,
		ExpiresAt: dto.ExpiresAt,
	}
}

// writeAtomic writes data to path by first writing to a sibling temp
// file and renaming it into place, so a crash never leaves a partial
// write visible at path.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure Store implements permission.Store.
var _ permission.Store = (*Store)(nil)
