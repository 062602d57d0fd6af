package db

import (
	"strings"

	"github.com/teranos/hub/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed
// database, typically while the hub shuts down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is
// closed, either as ErrDatabaseClosed or as the raw driver message.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
