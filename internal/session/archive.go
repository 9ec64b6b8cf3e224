package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/agrimind/internal/types"
)

// NotesLimit is the number of recommendation characters kept in a record's notes.
const NotesLimit = 100

// BuildRecord synthesizes a HistoricalRecord from mem and the recommendation text.
//
// Expectations:
//   - Season and CropType fall back to "Current" and "Various" when the profile lacks them
//   - Issue joins observed symptoms with ", " or falls back to "Consultation"
//   - Intervention is always "AI System Recommendation"
//   - Notes holds the first NotesLimit characters (runes) of content followed by "..."
//   - Every call yields a fresh id prefixed "h-"
func BuildRecord(mem types.SharedMemory, content string, outcome types.Outcome, now time.Time) types.HistoricalRecord {
	season := mem.FarmerProfile.Season
	if season == "" {
		season = "Current"
	}
	crop := mem.FarmerProfile.CropType
	if crop == "" {
		crop = "Various"
	}
	issue := strings.Join(mem.ObservedSymptoms, ", ")
	if issue == "" {
		issue = "Consultation"
	}
	return types.HistoricalRecord{
		ID:           "h-" + uuid.NewString(),
		Season:       season,
		CropType:     crop,
		Issue:        issue,
		Intervention: "AI System Recommendation",
		Outcome:      outcome,
		Notes:        excerpt(content, NotesLimit) + "...",
		Timestamp:    now,
	}
}

func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
