package testutil

import (
	"reflect"
	"testing"
)

func TestSplitSQL(t *testing.T) {
	in := stripSQLComments(`
-- rides
CREATE TABLE a (id INT);

-- offers
CREATE TABLE b (id INT);
`)
	got := splitSQL(in)
	want := []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitSQL = %q, want %q", got, want)
	}
}
