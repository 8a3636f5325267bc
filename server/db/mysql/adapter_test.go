package mysql

import (
	"errors"
	"fmt"
	"testing"

	ms "github.com/go-sql-driver/mysql"
)

func TestErrorClassification(t *testing.T) {
	dup := &ms.MySQLError{Number: 1062}
	fk := &ms.MySQLError{Number: 1452}

	if !isDupe(dup) {
		t.Error("duplicate key error not recognized")
	}
	if isDupe(fk) || isDupe(nil) {
		t.Error("non-duplicate classified as a duplicate")
	}
	if !isFKViolation(fk) {
		t.Error("foreign key violation not recognized")
	}
	if isFKViolation(dup) {
		t.Error("duplicate classified as a foreign key violation")
	}

	// Driver errors arrive wrapped.
	if !isDupe(fmt.Errorf("insert entities: %w", dup)) {
		t.Error("wrapped duplicate not recognized")
	}
	if isDupe(errors.New("connection reset")) {
		t.Error("plain error classified as a duplicate")
	}
}
