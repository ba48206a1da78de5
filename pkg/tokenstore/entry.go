package tokenstore

import (
	"encoding/json"
	"time"
)

func entryJSON(deviceID, userID string, expiresAt time.Time) string {
	b, _ := json.Marshal(Entry{DeviceID: deviceID, UserID: userID, ExpiresAt: expiresAt})
	return string(b)
}

func parseEntry(raw string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
