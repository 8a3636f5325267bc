package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
)

func TestErrorClassification(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505"}
	fk := &pgconn.PgError{Code: "23503"}

	if !isUniqueViolation(dup) {
		t.Error("unique violation not recognized")
	}
	if isUniqueViolation(fk) || isUniqueViolation(nil) {
		t.Error("non-duplicate classified as a duplicate")
	}
	if !isFKViolation(fk) {
		t.Error("foreign key violation not recognized")
	}
	if isFKViolation(dup) {
		t.Error("duplicate classified as a foreign key violation")
	}

	// Driver errors arrive wrapped.
	if !isUniqueViolation(fmt.Errorf("insert entities: %w", dup)) {
		t.Error("wrapped unique violation not recognized")
	}
	if isUniqueViolation(errors.New("connection reset")) {
		t.Error("plain error classified as a duplicate")
	}
}
