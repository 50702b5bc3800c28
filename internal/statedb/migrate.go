package statedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ccremote/ccremote/internal/schedule"
)

// LegacyFileName is the JSON session file written by earlier releases.
const LegacyFileName = "sessions.json"

// jsonSessionData mirrors one entry of the legacy sessions.json map.
type jsonSessionData struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	TmuxSession   string             `json:"tmuxSession"`
	ChannelID     string             `json:"channelId"`
	Status        string             `json:"status"`
	Created       time.Time          `json:"created"`
	LastActivity  time.Time          `json:"lastActivity"`
	QuotaSchedule *jsonQuotaSchedule `json:"quotaSchedule,omitempty"`
}

type jsonQuotaSchedule struct {
	Time          string    `json:"time"`
	Command       string    `json:"command"`
	NextExecution time.Time `json:"nextExecution"`
}

// MigrateFromJSON imports a legacy sessions.json into db. Sessions whose id
// already exists are skipped. Returns the number of sessions imported.
func MigrateFromJSON(jsonPath string, db *StateDB) (int, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return 0, fmt.Errorf("read json: %w", err)
	}

	var legacy map[string]*jsonSessionData
	if err := json.Unmarshal(data, &legacy); err != nil {
		return 0, fmt.Errorf("parse json: %w", err)
	}

	keys := make([]string, 0, len(legacy))
	for k := range legacy {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	imported := 0
	for _, key := range keys {
		sess := legacy[key]
		if sess == nil {
			continue
		}
		rec := SessionRecord{
			ID:           sess.ID,
			Name:         sess.Name,
			TmuxSession:  sess.TmuxSession,
			ChannelID:    sess.ChannelID,
			Status:       Status(sess.Status),
			CreatedAt:    sess.Created,
			LastActivity: sess.LastActivity,
		}
		if rec.ID == "" {
			rec.ID = key
		}
		if rec.Name == "" {
			rec.Name = rec.ID
		}
		if rec.TmuxSession == "" {
			rec.TmuxSession = rec.ID
		}
		if !rec.Status.Valid() {
			rec.Status = StatusActive
		}
		if q := sess.QuotaSchedule; q != nil && q.Time != "" {
			rec.Quota = &schedule.QuotaSchedule{
				Time:          q.Time,
				Command:       q.Command,
				NextExecution: q.NextExecution,
			}
		}

		if err := db.Create(rec); err != nil {
			if errors.Is(err, ErrExists) {
				continue
			}
			return imported, fmt.Errorf("import %s: %w", rec.ID, err)
		}
		imported++
	}
	return imported, nil
}

// MigrateLegacyFile imports jsonPath when it exists and renames it to
// <path>.migrated so the import runs once.
func MigrateLegacyFile(jsonPath string, db *StateDB) (int, error) {
	if _, err := os.Stat(jsonPath); os.IsNotExist(err) {
		return 0, nil
	}
	n, err := MigrateFromJSON(jsonPath, db)
	if err != nil {
		return n, err
	}
	if err := os.Rename(jsonPath, jsonPath+".migrated"); err != nil {
		return n, fmt.Errorf("rename legacy file: %w", err)
	}
	return n, nil
}
