package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULIDMonotonic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 100; i++ {
		id := NewULID(now)
		if len(id) != 26 {
			t.Fatalf("unexpected ulid length %d", len(id))
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s <= %s", id, prev)
		}
		prev = id
	}
}

func TestNewULIDOutOfRangeTime(t *testing.T) {
	for name, ts := range map[string]time.Time{
		"before epoch": time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC),
		"zero time":    {},
		"past max":     time.Date(20000, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		t.Run(name, func(t *testing.T) {
			before := time.Now().Add(-time.Second)
			id, err := ulid.ParseStrict(NewULID(ts))
			if err != nil {
				t.Fatalf("ParseStrict: %v", err)
			}
			if got := ulid.Time(id.Time()); got.Before(before) || got.After(time.Now().Add(time.Second)) {
				t.Errorf("timestamp %v, want about now", got)
			}
		})
	}
}

func TestNewUUIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewUUID()
		if seen[id] {
			t.Fatalf("duplicate uuid %s", id)
		}
		seen[id] = true
	}
}
