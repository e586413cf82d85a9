package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Marshal serializes a card's full annotation list, deleted entries included.
func Marshal(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	if err := validateList(entries); err != nil {
		return nil, err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal annotation list: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a persisted list and rejects payloads that break the
// thread invariants before they reach the store.
func Unmarshal(data []byte) ([]Entry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Entry{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	var entries []Entry
	if err := decoder.Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidList, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	if err := validateList(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func validateList(entries []Entry) error {
	seen := make(map[string]Entry, len(entries))
	for i, entry := range entries {
		if strings.TrimSpace(entry.ID) == "" {
			return fmt.Errorf("%w: entry %d has no id", ErrInvalidList, i)
		}
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("%w: duplicate entry id %s", ErrInvalidList, entry.ID)
		}
		if strings.TrimSpace(entry.ThreadID) == "" {
			return fmt.Errorf("%w: entry %s has no thread id", ErrInvalidList, entry.ID)
		}
		if entry.Level < 0 || entry.Level >= MaxLevel {
			return fmt.Errorf("%w: entry %s has level %d", ErrInvalidList, entry.ID, entry.Level)
		}
		isRoot := entry.ParentID == ""
		if isRoot != (entry.Level == 0) || isRoot != entry.IsThreadStarter {
			return fmt.Errorf("%w: entry %s mixes root and reply fields", ErrInvalidList, entry.ID)
		}
		seen[entry.ID] = entry
	}
	for _, entry := range entries {
		if entry.ParentID == "" {
			continue
		}
		parent, ok := seen[entry.ParentID]
		if !ok {
			return fmt.Errorf("%w: entry %s references missing parent %s", ErrInvalidList, entry.ID, entry.ParentID)
		}
		if entry.Level != parent.Level+1 || entry.ThreadID != parent.ThreadID {
			return fmt.Errorf("%w: entry %s does not nest under %s", ErrInvalidList, entry.ID, entry.ParentID)
		}
	}
	return nil
}
