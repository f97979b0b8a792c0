package database

import (
	"strings"
	"testing"

	"github.com/iliyamo/transit-seat-reservation/internal/config"
)

func TestDSN(t *testing.T) {
	got := DSN(config.Config{DBUser: "fleet", DBPass: "p@ss", DBHost: "db", DBPort: "3306", DBName: "transit"})
	for _, want := range []string{"fleet:p@ss@tcp(db:3306)/transit", "parseTime=true", "charset=utf8mb4"} {
		if !strings.Contains(got, want) {
			t.Errorf("DSN %q does not contain %q", got, want)
		}
	}
}
