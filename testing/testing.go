package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/jinzhu/gorm"
)

const (
	DBHostEnv = "CLOAKWATCH_TEST_DB_HOST"
	DBPortEnv = "CLOAKWATCH_TEST_DB_PORT"
)

func SkipCI(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping testing in CI environment")
	}
}

// SkipWithoutDB skips the test unless a test database is announced through the environment
func SkipWithoutDB(t *testing.T) {
	SkipCI(t)
	if os.Getenv(DBHostEnv) == "" {
		t.Skip(fmt.Sprintf("Skipping database test, %s not set", DBHostEnv))
	}
}

func ResetDb(g *gorm.DB) error {
	tables := []string{
		"detection_status_changes",
		"detections",
		"takedown_statuses",
		"destinations",
		"sources",
	}

	for _, table := range tables {
		qry := fmt.Sprintf("DROP TABLE IF EXISTS %s", table)
		if err := g.Exec(qry).Error; err != nil {
			return err
		}
	}

	for _, ex := range models.All() {
		if err := g.AutoMigrate(ex).Error; err != nil {
			return err
		}
	}
	return nil
}
