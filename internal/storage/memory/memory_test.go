package memory

import (
	"testing"

	"howbehind/internal/storage"
	"howbehind/internal/storage/storagetest"
)

func TestBackend(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
