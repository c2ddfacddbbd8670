package modelstats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordResultAccumulatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.RecordResult("gpt-5", true, 120); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if err := s.RecordResult("gpt-5", false, 80); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	got := s.Get("gpt-5")
	if got.Calls != 2 || got.Successes != 1 || got.Failures != 1 || got.TotalLatencyMs != 200 {
		t.Fatalf("unexpected stats: %+v", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	var onDisk map[string]Stats
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("unmarshal persisted file: %v", err)
	}
	if onDisk["gpt-5"].Calls != 2 {
		t.Fatalf("unexpected on-disk stats: %+v", onDisk)
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "nonexistent.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Get("any-model"); got.Calls != 0 {
		t.Fatalf("expected zero-value stats, got %+v", got)
	}
}

func TestOpenReloadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	s1, _ := Open(path)
	_ = s1.RecordResult("claude-x", true, 50)

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.Get("claude-x")
	if got.Calls != 1 || got.Successes != 1 {
		t.Fatalf("expected reloaded stats, got %+v", got)
	}
}

func TestPersistWritesBackupOnSecondWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	s, _ := Open(path)
	_ = s.RecordResult("m1", true, 10)
	_ = s.RecordResult("m1", true, 10)

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("expected backup file after second persist, got err: %v", err)
	}
}

func TestAllReturnsIndependentCopy(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(filepath.Join(dir, "stats.json"))
	_ = s.RecordResult("m1", true, 1)

	all := s.All()
	all["m1"] = Stats{Calls: 999}
	if got := s.Get("m1"); got.Calls == 999 {
		t.Fatalf("expected All() to return a copy, mutation leaked into store")
	}
}
