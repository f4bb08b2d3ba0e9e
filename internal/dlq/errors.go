package dlq

import (
	"strings"

	"github.com/tutorlink/tutorlink-backend/pkg/db"
)

func isDuplicateEvent(err error) bool {
	if err == nil {
		return false
	}
	// SQLite phrasing covers the in-memory test databases.
	return db.IsUniqueViolation(err, "") || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
