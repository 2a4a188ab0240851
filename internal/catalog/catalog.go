// Package catalog loads the challenge-type catalog from YAML and syncs it
// into the database at startup.
package catalog

import (
	"context"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"krypton-core/pkg/db"
)

type file struct {
	ChallengeTypes []db.ChallengeType `yaml:"challenge_types"`
}

// LoadFile parses the catalog YAML.
func LoadFile(path string) ([]db.ChallengeType, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	for i := range f.ChallengeTypes {
		ct := &f.ChallengeTypes[i]
		if ct.ID == "" || ct.Name == "" {
			return nil, fmt.Errorf("catalog entry %d missing id or name", i)
		}
		if ct.AccountSize <= 0 {
			return nil, fmt.Errorf("catalog entry %s: account_size must be positive", ct.ID)
		}
		if ct.DrawdownType != db.DrawdownStatic && ct.DrawdownType != db.DrawdownTrailing {
			return nil, fmt.Errorf("catalog entry %s: drawdown_type must be static or trailing", ct.ID)
		}
		if ct.MaxLeverage < 1 {
			ct.MaxLeverage = 1
		}
	}
	return f.ChallengeTypes, nil
}

// SyncToDB upserts the catalog; referenced rows keep their risk parameters.
func SyncToDB(ctx context.Context, database *db.Database, types []db.ChallengeType) error {
	store := database.NewStore()
	for _, ct := range types {
		if err := store.UpsertChallengeType(ctx, ct); err != nil {
			return err
		}
	}
	log.Printf("[CATALOG] synced %d challenge types", len(types))
	return nil
}
