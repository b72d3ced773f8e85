// Package memory is the user-facing key/value notebook. Keys live in their
// own store namespace, carry the "u_" prefix, and are format-checked so the
// model cannot reach configuration or credentials through the memory tools.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"zclaw/internal/storage"
	logx "zclaw/pkg/logx"
)

const (
	// MaxKeyLen bounds the full user key including the prefix.
	MaxKeyLen = 15
	// MaxValueLen bounds stored values.
	MaxValueLen = 512
	// UserKeyPrefix namespaces keys the model may touch.
	UserKeyPrefix = "u_"

	storePrefix = "mem/"
)

// ErrNotFound is returned by Get and Delete for absent keys. Validation
// failures carry their reason as the error text; callers surface it verbatim.
var ErrNotFound = errors.New("key not found")

// sensitiveKeys can never be read, written or deleted through this service,
// independent of the prefix rule.
var sensitiveKeys = map[string]struct{}{
	"api_key":     {},
	"tg_token":    {},
	"tg_chat_id":  {},
	"wifi_pass":   {},
	"llm_backend": {},
	"llm_model":   {},
	"wifi_ssid":   {},
}

// IsSensitive reports whether key names a protected system value.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[key]
	return ok
}

// Service gates user memory access over the shared store.
type Service struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log}
}

// Set validates and stores one key/value pair.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if IsSensitive(key) {
		return fmt.Errorf("cannot modify system key '%s'", key)
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if s.store == nil {
		return storage.ErrDisabled
	}
	if err := s.store.Set(ctx, storePrefix+key, []byte(value)); err != nil {
		return err
	}
	s.log.Info("memory stored", logx.String("key", key), logx.Int("bytes", len(value)))
	return nil
}

// Get returns the stored value for key, or ErrNotFound.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if IsSensitive(key) {
		return "", fmt.Errorf("cannot access system key '%s'", key)
	}
	if s.store == nil {
		return "", storage.ErrDisabled
	}
	raw, ok, err := s.store.Get(ctx, storePrefix+key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return string(raw), nil
}

// Delete removes key, reporting ErrNotFound when nothing was stored.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if IsSensitive(key) {
		return fmt.Errorf("cannot delete system key '%s'", key)
	}
	if s.store == nil {
		return storage.ErrDisabled
	}
	_, ok, err := s.store.Get(ctx, storePrefix+key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.store.Delete(ctx, storePrefix+key); err != nil {
		return err
	}
	s.log.Info("memory deleted", logx.String("key", key))
	return nil
}

// List returns the stored user keys, sorted.
func (s *Service) List(ctx context.Context) ([]string, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	raw, err := s.store.Keys(ctx, storePrefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		key := strings.TrimPrefix(k, storePrefix)
		if !strings.HasPrefix(key, UserKeyPrefix) || IsSensitive(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("key max %d chars", MaxKeyLen)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return errors.New("key must be alphanumeric/underscore")
		}
	}
	if !strings.HasPrefix(key, UserKeyPrefix) {
		return fmt.Errorf("key must start with '%s' (user memory only)", UserKeyPrefix)
	}
	return nil
}

func validateValue(value string) error {
	if len(value) > MaxValueLen {
		return fmt.Errorf("string too long (max %d chars)", MaxValueLen)
	}
	for i := 0; i < len(value); i++ {
		if c := value[i]; c < 0x20 && c != '\n' && c != '\t' && c != '\r' {
			return errors.New("invalid character in input")
		}
	}
	return nil
}
