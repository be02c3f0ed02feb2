package database

import (
	"strings"
	"testing"
)

func TestMigrations_Embedded(t *testing.T) {
	migrations, err := Migrations().FindMigrations()
	if err != nil {
		t.Fatalf("FindMigrations: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}

	tables := []string{"speaker_events", "finalize_records"}
	for i, m := range migrations {
		up := strings.Join(m.Up, "\n")
		if !strings.Contains(up, "CREATE TABLE IF NOT EXISTS "+tables[i]) {
			t.Errorf("migration %s does not create %s", m.Id, tables[i])
		}
		if len(m.Down) == 0 {
			t.Errorf("migration %s has no down step", m.Id)
		}
	}
}
