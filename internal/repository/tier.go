package repository

import (
	"context"
	"fmt"

	"github.com/aman-churiwal/quota-gateway/internal/models"
	"github.com/aman-churiwal/quota-gateway/internal/storage"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	"gorm.io/gorm"
)

type TierRepository struct {
	db *storage.Postgres
}

func NewTierRepository(db *storage.Postgres) *TierRepository {
	return &TierRepository{db: db}
}

// Retrieves all tiers ordered by name
func (r *TierRepository) ListTiers(ctx context.Context) ([]models.RateLimitTier, error) {
	var tiers []models.RateLimitTier
	err := r.db.DB.WithContext(ctx).
		Order("name ASC").
		Find(&tiers).Error

	return tiers, err
}

// Retrieves prefix rules in match order
func (r *TierRepository) ListPrefixes(ctx context.Context) ([]models.CredentialPrefix, error) {
	var prefixes []models.CredentialPrefix
	err := r.db.DB.WithContext(ctx).
		Order("position ASC").
		Order("prefix ASC").
		Find(&prefixes).Error

	return prefixes, err
}

// Reads the tier table and prefix rules. Callers validate the result
// through tier.NewTable and tier.NewPrefixResolver.
func (r *TierRepository) LoadPolicy(ctx context.Context) ([]tier.Tier, []tier.Rule, error) {
	rows, err := r.ListTiers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load tiers: %w", err)
	}

	prefixes, err := r.ListPrefixes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load credential prefixes: %w", err)
	}

	tiers := make([]tier.Tier, 0, len(rows))
	for _, row := range rows {
		tiers = append(tiers, tier.Tier{
			Name:       row.Name,
			Capacity:   row.Capacity,
			RefillRate: row.RefillRate,
		})
	}

	rules := make([]tier.Rule, 0, len(prefixes))
	for _, p := range prefixes {
		rules = append(rules, tier.Rule{Prefix: p.Prefix, Tier: p.TierName})
	}

	return tiers, rules, nil
}

// Replaces the stored policy in one transaction
func (r *TierRepository) ReplacePolicy(ctx context.Context, tiers []tier.Tier, rules []tier.Rule) error {
	return r.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.CredentialPrefix{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&models.RateLimitTier{}).Error; err != nil {
			return err
		}

		for _, t := range tiers {
			row := models.RateLimitTier{
				Name:       t.Name,
				Capacity:   t.Capacity,
				RefillRate: t.RefillRate,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to save tier %s: %w", t.Name, err)
			}
		}

		for i, rule := range rules {
			row := models.CredentialPrefix{
				Prefix:   rule.Prefix,
				TierName: rule.Tier,
				Position: i,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to save prefix %s: %w", rule.Prefix, err)
			}
		}

		return nil
	})
}
