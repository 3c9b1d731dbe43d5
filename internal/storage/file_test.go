package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "harvestd/pkg/logx"
)

func TestOpenDisabledDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreAppendsJSONLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "nested", "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	recs := []AttemptRecord{
		{At: time.Now(), RunID: "r1", Job: "alpha", Attempt: 1, Success: false, ExitCode: 1, Reason: ReasonExit, TookMS: 12, Error: "exited with code 1"},
		{At: time.Now(), RunID: "r1", Job: "alpha", Attempt: 2, Success: true, ExitCode: 0, Reason: ReasonExit, TookMS: 8},
	}
	for _, rec := range recs {
		if err := st.AppendAttempt(context.Background(), rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "nested", "audit.attempts.jsonl"))
	if err != nil {
		t.Fatalf("open attempt log: %v", err)
	}
	defer f.Close()

	var got []AttemptRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec AttemptRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		got = append(got, rec)
	}
	if len(got) != len(recs) {
		t.Fatalf("lines = %d, want %d", len(got), len(recs))
	}
	for i := range recs {
		if got[i].RunID != recs[i].RunID || got[i].Attempt != recs[i].Attempt ||
			got[i].Success != recs[i].Success || got[i].Reason != recs[i].Reason {
			t.Fatalf("record %d: got %+v, want %+v", i, got[i], recs[i])
		}
	}
}

func TestFileStoreAppendAfterClose(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.AppendAttempt(context.Background(), AttemptRecord{Job: "x"}); err == nil {
		t.Fatal("expected error appending to a closed store")
	}
}
