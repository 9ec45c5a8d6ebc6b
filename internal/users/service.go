package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/deliver"
)

// ErrUnknownUser indicates no account exists for the requested email.
var ErrUnknownUser = errors.New("users: unknown user")

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages user accounts and their Canvas token pairs. It satisfies
// the delivery token store so Canvas sends can refresh tokens in place.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Touch records a successful authentication, creating the account on first
// sight and refreshing the display name when it changed.
func (s *Service) Touch(email, displayName string) error {
	key := normalize(email)
	if key == "" {
		return ErrUnknownUser
	}

	var account Account
	err := s.db.Where("email = ?", key).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{
			Email:       key,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		return s.db.Create(&account).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"last_seen_at": s.now()}
	if displayName != "" && displayName != account.DisplayName {
		updates["display_name"] = displayName
	}
	return s.db.Model(&Account{}).Where("email = ?", key).Updates(updates).Error
}

// CanvasToken returns the stored token pair for the user.
func (s *Service) CanvasToken(user string) (deliver.CanvasToken, error) {
	key := normalize(user)
	if cached, ok := s.cache.Load(key); ok {
		if token, ok := cached.(deliver.CanvasToken); ok {
			return token, nil
		}
	}

	var account Account
	err := s.db.Where("email = ?", key).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return deliver.CanvasToken{}, fmt.Errorf("%w: %s", ErrUnknownUser, key)
	}
	if err != nil {
		return deliver.CanvasToken{}, err
	}

	token := deliver.CanvasToken{
		AccessToken:  account.CanvasAccess,
		RefreshToken: account.CanvasRefresh,
	}
	s.cache.Store(key, token)
	return token, nil
}

// SaveCanvasToken persists a refreshed token pair for the user.
func (s *Service) SaveCanvasToken(user string, token deliver.CanvasToken) error {
	key := normalize(user)
	result := s.db.Model(&Account{}).Where("email = ?", key).Updates(map[string]interface{}{
		"canvas_access":  token.AccessToken,
		"canvas_refresh": token.RefreshToken,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, key)
	}
	s.cache.Store(key, token)
	return nil
}
