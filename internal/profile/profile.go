// Package profile is the matcher's read view of user accounts: gender,
// subscription tier and stored matching preferences.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Gender is a user's own gender or a preferred partner gender.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderAny    Gender = "any"
)

// ParseGender accepts "male", "female" and "any".
func ParseGender(s string) (Gender, error) {
	switch g := Gender(s); g {
	case GenderMale, GenderFemale, GenderAny:
		return g, nil
	}
	return "", fmt.Errorf("profile: invalid gender %q", s)
}

// Tier is the subscription level of an account.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// ErrNotFound is returned when a user id has no profile.
var ErrNotFound = errors.New("profile: user not found")

// Profile holds the account fields matchmaking depends on.
type Profile struct {
	ID                    string     `gorm:"primaryKey;type:text" json:"id"`
	Gender                Gender     `gorm:"type:text;not null;default:''" json:"gender"`
	SubscriptionTier      Tier       `gorm:"type:text;not null;default:'free'" json:"subscription_tier"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	FilterEnabled         bool       `gorm:"not null;default:false" json:"filter_enabled"`
	PreferredGender       Gender     `gorm:"type:text;not null;default:'any'" json:"preferred_gender"`
	FallbackDisabled      bool       `gorm:"not null;default:false" json:"fallback_disabled"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// TableName pins the table created by the storage migrations.
func (Profile) TableName() string { return "user_profiles" }

// Directory looks up profiles by user id.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*Profile, error)
}

// Store is the gorm-backed Directory.
type Store struct {
	db *gorm.DB
}

// NewStore creates a profile store on an open gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetUser returns the profile for userID or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get %s: %w", userID, err)
	}
	return &p, nil
}

// Save inserts or updates a profile.
func (s *Store) Save(ctx context.Context, p *Profile) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("profile: save %s: %w", p.ID, err)
	}
	return nil
}

// MemoryDirectory is an in-process Directory used as a test double.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]Profile
}

// NewMemoryDirectory returns a directory seeded with the given profiles.
func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.users[p.ID] = p
	}
	return d
}

// Put stores or replaces a profile.
func (d *MemoryDirectory) Put(p Profile) {
	d.mu.Lock()
	d.users[p.ID] = p
	d.mu.Unlock()
}

// GetUser returns a copy of the stored profile or ErrNotFound.
func (d *MemoryDirectory) GetUser(_ context.Context, userID string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}
