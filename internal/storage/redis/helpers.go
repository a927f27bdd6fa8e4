package redis

import (
	"fmt"
	"strconv"
	"time"

	"howbehind/internal/storage"
)

// parseRecord converts a Redis hash to a Record
func parseRecord(data map[string]string) (storage.Record, error) {
	if len(data) == 0 {
		return storage.Record{}, storage.ErrNotFound
	}

	rec := storage.Record{
		Doc:       []byte(data["doc"]),
		Watermark: data["watermark"],
	}
	if v := data["revision"]; v != "" {
		rev, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return storage.Record{}, fmt.Errorf("failed to parse revision: %w", err)
		}
		rec.Revision = rev
	}
	if v := data["updated_at"]; v != "" {
		updatedAt, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return storage.Record{}, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		rec.UpdatedAt = updatedAt
	}
	return rec, nil
}
