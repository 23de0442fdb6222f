// Package testutil provides database and fixture helpers for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/brewledger/internal/database"
	"github.com/kkkkikiki/brewledger/internal/model"
	"github.com/kkkkikiki/brewledger/internal/repository"
)

// Tenant is the tenant used by fixtures
const Tenant = "test-shop"

// NewDB opens a migrated SQLite database in the test's temp dir
func NewDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db.Conn
}

// NewNode returns a snowflake node for fixtures
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// SeedMenu inserts menu items given as id -> price. Items whose id starts
// with "pastry" are not stampable.
func SeedMenu(t *testing.T, db *sqlx.DB, prices map[string]string) {
	t.Helper()
	repo := repository.NewMenuRepository()
	for id, price := range prices {
		item := &model.CoffeeItem{
			TenantID:  Tenant,
			ID:        id,
			Name:      id,
			Category:  "coffee",
			Price:     decimal.RequireFromString(price),
			Stampable: true,
			IsActive:  true,
			UpdatedAt: time.Now().UTC(),
		}
		if len(id) >= 6 && id[:6] == "pastry" {
			item.Category = "pastry"
			item.Stampable = false
		}
		if err := repo.UpsertItem(context.Background(), db, item); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

// Dec parses a decimal literal
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
