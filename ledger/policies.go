package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/mneelabs/paygate/types"
)

// GormPolicyStore reads AgentPolicy, ProviderPolicy, and TreasuryConfig
// rows. These entities are owned by external administrative surfaces; the
// gateway only ever reads them, so no write methods exist here.
type GormPolicyStore struct {
	db *gorm.DB
}

func NewGormPolicyStore(db *gorm.DB) *GormPolicyStore {
	return &GormPolicyStore{db: db}
}

// Migrate creates the policy tables. In a shared deployment the admin
// surface owns the schema; this exists for standalone and test setups.
func (s *GormPolicyStore) Migrate() error {
	return s.db.AutoMigrate(
		&types.AgentPolicy{},
		&types.ProviderPolicy{},
		&types.TreasuryConfig{},
	)
}

func (s *GormPolicyStore) AgentPolicy(ctx context.Context, apiKeyID string) (*types.AgentPolicy, error) {
	var p types.AgentPolicy
	err := s.db.WithContext(ctx).Where("api_key_id = ?", apiKeyID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormPolicyStore) ProviderPolicy(ctx context.Context, providerID string) (*types.ProviderPolicy, error) {
	var p types.ProviderPolicy
	err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormPolicyStore) Treasury(ctx context.Context, workspaceID string) (*types.TreasuryConfig, error) {
	var t types.TreasuryConfig
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
