package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/studyhub/groupchat/internal/model"
)

// seedData is the SEED_FILE format.
type seedData struct {
	Groups   []model.GroupMetadata `json:"groups"`
	Profiles []model.Profile       `json:"profiles"`
}

type seedStore interface {
	PutGroup(ctx context.Context, g model.GroupMetadata) error
	PutProfile(ctx context.Context, p model.Profile) error
}

// seed writes groups and profiles from path into store.
func seed(ctx context.Context, store seedStore, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var data seedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, g := range data.Groups {
		if err := store.PutGroup(ctx, g); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
	}
	for _, p := range data.Profiles {
		if err := store.PutProfile(ctx, p); err != nil {
			return fmt.Errorf("profile %s: %w", p.ID, err)
		}
	}
	return nil
}
