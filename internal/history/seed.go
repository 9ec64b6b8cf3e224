package history

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haricheung/agrimind/internal/types"
)

// seedFile is the YAML layout of a fixture file:
//
//	records:
//	  - id: h1
//	    season: Spring 2023
//	    crop_type: Tomato
//	    ...
type seedFile struct {
	Records []seedRecord `yaml:"records"`
}

type seedRecord struct {
	ID           string    `yaml:"id"`
	Season       string    `yaml:"season"`
	CropType     string    `yaml:"crop_type"`
	Issue        string    `yaml:"issue"`
	Intervention string    `yaml:"intervention"`
	Outcome      string    `yaml:"outcome"`
	Notes        string    `yaml:"notes"`
	Timestamp    time.Time `yaml:"timestamp"`
}

// LoadSeedFile reads fixture records from a YAML file, newest first.
//
// Expectations:
//   - Returns records in file order
//   - Rejects records without an id and outcomes outside successful/unsuccessful/partial
//   - Fills a zero timestamp with now
func LoadSeedFile(path string, now time.Time) ([]types.HistoricalRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("history: read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("history: parse seed file %s: %w", path, err)
	}
	out := make([]types.HistoricalRecord, 0, len(f.Records))
	for i, r := range f.Records {
		if r.ID == "" {
			return nil, fmt.Errorf("history: seed record %d has no id", i)
		}
		outcome := types.Outcome(r.Outcome)
		switch outcome {
		case types.OutcomeSuccessful, types.OutcomeUnsuccessful, types.OutcomePartial:
		default:
			return nil, fmt.Errorf("history: seed record %s: unknown outcome %q", r.ID, r.Outcome)
		}
		ts := r.Timestamp
		if ts.IsZero() {
			ts = now
		}
		out = append(out, types.HistoricalRecord{
			ID:           r.ID,
			Season:       r.Season,
			CropType:     r.CropType,
			Issue:        r.Issue,
			Intervention: r.Intervention,
			Outcome:      outcome,
			Notes:        r.Notes,
			Timestamp:    ts,
		})
	}
	return out, nil
}
