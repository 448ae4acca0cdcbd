package calibration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const profileFilename = "calibration_profile.json"

// Profile is the persisted form of an accepted calibration run.
type Profile struct {
	RunID          string    `json:"run_id"`
	SavedAt        time.Time `json:"saved_at"`
	UsableFraction float64   `json:"usable_fraction"`
	Run            *Run      `json:"run"`
}

// SaveProfile persists an accepted run under dir. Runs in any other terminal
// state are never persisted.
func SaveProfile(dir string, run *Run) (*Profile, error) {
	if run == nil || run.Result != Accepted {
		return nil, fmt.Errorf("only accepted runs are persisted")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	profile := &Profile{
		RunID:          run.ID,
		SavedAt:        time.Now().UTC(),
		UsableFraction: run.UsableFraction(),
		Run:            run,
	}
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}

	path := filepath.Join(dir, profileFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write profile: %w", err)
	}
	return profile, nil
}

// LoadProfile reads a previously saved profile. Returns os.ErrNotExist when
// none has been saved yet.
func LoadProfile(dir string) (*Profile, error) {
	data, err := os.ReadFile(filepath.Join(dir, profileFilename))
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &profile, nil
}
