// Package menu loads coffee items from a YAML seed file into the database.
package menu

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kkkkikiki/brewledger/internal/model"
	"github.com/kkkkikiki/brewledger/internal/repository"
)

// Seed is the content of a menu seed file
type Seed struct {
	Tenants []TenantMenu `yaml:"tenants"`
}

// TenantMenu is the menu of one shop
type TenantMenu struct {
	Tenant string     `yaml:"tenant"`
	Items  []SeedItem `yaml:"items"`
}

// SeedItem is a menu entry. Price is a string so it is parsed as an exact
// decimal. Stampable and Active default to true.
type SeedItem struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Category  string `yaml:"category"`
	Price     string `yaml:"price"`
	Stampable *bool  `yaml:"stampable"`
	Active    *bool  `yaml:"active"`
}

// LoadFile reads and parses a seed file
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read menu seed: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates seed YAML
func Parse(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse menu seed: %w", err)
	}
	for _, tm := range seed.Tenants {
		if strings.TrimSpace(tm.Tenant) == "" {
			return nil, fmt.Errorf("menu seed: tenant is required")
		}
		seen := make(map[string]bool, len(tm.Items))
		for _, it := range tm.Items {
			if it.ID == "" || it.Name == "" {
				return nil, fmt.Errorf("menu seed %s: item id and name are required", tm.Tenant)
			}
			if seen[it.ID] {
				return nil, fmt.Errorf("menu seed %s: duplicate item %s", tm.Tenant, it.ID)
			}
			seen[it.ID] = true
			price, err := decimal.NewFromString(it.Price)
			if err != nil {
				return nil, fmt.Errorf("menu seed %s: item %s: invalid price %q", tm.Tenant, it.ID, it.Price)
			}
			if price.IsNegative() {
				return nil, fmt.Errorf("menu seed %s: item %s: negative price", tm.Tenant, it.ID)
			}
		}
	}
	return &seed, nil
}

// Items converts the seed to coffee items
func (s *Seed) Items(now time.Time) []model.CoffeeItem {
	var items []model.CoffeeItem
	for _, tm := range s.Tenants {
		for _, it := range tm.Items {
			items = append(items, model.CoffeeItem{
				TenantID:  tm.Tenant,
				ID:        it.ID,
				Name:      it.Name,
				Category:  it.Category,
				Price:     decimal.RequireFromString(it.Price),
				Stampable: it.Stampable == nil || *it.Stampable,
				IsActive:  it.Active == nil || *it.Active,
				UpdatedAt: now,
			})
		}
	}
	return items
}

// Apply upserts every seeded item and returns how many were written. Orders
// keep their price snapshots, so reseeding never changes placed orders.
func Apply(ctx context.Context, db repository.DBExecutor, seed *Seed) (int, error) {
	repo := repository.NewMenuRepository()
	items := seed.Items(time.Now().UTC())
	for i := range items {
		if err := repo.UpsertItem(ctx, db, &items[i]); err != nil {
			return i, err
		}
	}
	return len(items), nil
}
