package main

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestExtractTablesFromMigration(t *testing.T) {
	tables, err := extractTables("../../migrations/0001_init.sql")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, tb := range tables {
		seen[tb] = true
	}
	for _, want := range []string{"rides", "ride_events", "dispatch_offers", "wallet_accounts", "ledger_entries", "surge_rules"} {
		if !seen[want] {
			t.Errorf("missing table %q in %v", want, tables)
		}
	}
}

func TestSplitSQLDropsComments(t *testing.T) {
	got := splitSQL("-- header\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE INDEX b ON a (id);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE INDEX b ON a (id)" {
		t.Fatalf("statements = %q", got)
	}
}

func TestStatusResult(t *testing.T) {
	start := time.Now()
	tests := []struct {
		name   string
		code   int
		err    error
		want   string
		passed bool
	}{
		{"expected status", http.StatusCreated, nil, StatusPass, true},
		{"wrong status", http.StatusConflict, nil, StatusFail, false},
		{"transport error", 0, errors.New("connection refused"), StatusFail, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, ok := statusResult(tc.code, tc.err, http.StatusCreated, start)
			if res.Status != tc.want || ok != tc.passed {
				t.Fatalf("result = %+v ok=%v", res, ok)
			}
		})
	}
}
