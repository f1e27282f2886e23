package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/proximity-matching/internal/models"
	"github.com/example/proximity-matching/internal/presence"
)

type seedFile struct {
	Participants []models.Participant `yaml:"participants"`
}

// loadSeed reads a participant seed file. Ids must be unique.
func loadSeed(path string) ([]models.Participant, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Participants))
	for i, p := range f.Participants {
		if p.ID == "" {
			return nil, fmt.Errorf("seed entry %d has no id", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate participant id %q in seed file", p.ID)
		}
		seen[p.ID] = true
	}
	return f.Participants, nil
}

func seedParticipants(ctx context.Context, svc *presence.Service, path string) (int, error) {
	ps, err := loadSeed(path)
	if err != nil {
		return 0, err
	}
	for _, p := range ps {
		if _, err := svc.Upsert(ctx, p); err != nil {
			return 0, fmt.Errorf("seed participant %s: %w", p.ID, err)
		}
	}
	return len(ps), nil
}
