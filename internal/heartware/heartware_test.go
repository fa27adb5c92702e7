package heartware

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
)

func newTestManager(t *testing.T) (*Manager, string, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	clk := &clock.Fake{Ms: 1_000_000_000_000}
	m, err := NewManager(dir, clk)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, dir, clk
}

func TestContextConcatenatesInNameOrder(t *testing.T) {
	m, dir, _ := newTestManager(t)

	writeFile(t, dir, "b-voice.md", "Speak plainly.")
	writeFile(t, dir, "a-identity.md", "You are Tinyclaw.")
	writeFile(t, dir, "notes.txt", "ignored")
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	want := "You are Tinyclaw.\n\nSpeak plainly."
	if got := m.Context(); got != want {
		t.Errorf("Context() = %q, want %q", got, want)
	}
	files := m.Files()
	if len(files) != 2 || files[0] != "a-identity.md" || files[1] != "b-voice.md" {
		t.Errorf("Files() = %v", files)
	}
}

func TestUpdateBacksUpAndAudits(t *testing.T) {
	m, dir, clk := newTestManager(t)

	if err := m.Update("identity.md", "v1", "user"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	clk.Advance(time.Second)
	if err := m.Update("identity.md", "v2", "agent"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if got, _ := m.Read("identity.md"); got != "v2" {
		t.Errorf("Read = %q, want v2", got)
	}
	onDisk, err := os.ReadFile(filepath.Join(dir, "identity.md"))
	if err != nil || string(onDisk) != "v2" {
		t.Errorf("on disk = %q, err = %v", onDisk, err)
	}

	backups, err := filepath.Glob(filepath.Join(dir, backupDir, "identity.md.*"))
	if err != nil || len(backups) != 1 {
		t.Fatalf("backups = %v, err = %v", backups, err)
	}
	prev, _ := os.ReadFile(backups[0])
	if string(prev) != "v1" {
		t.Errorf("backup content = %q, want v1", prev)
	}

	f, err := os.Open(filepath.Join(dir, auditDir, auditFile))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()
	var recs []auditRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec auditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 2 {
		t.Fatalf("audit lines = %d, want 2", len(recs))
	}
	if recs[1].File != "identity.md" || recs[1].Actor != "agent" || recs[1].Bytes != 2 {
		t.Errorf("audit record = %+v", recs[1])
	}
	if recs[1].Timestamp <= recs[0].Timestamp {
		t.Errorf("timestamps not increasing: %+v", recs)
	}
}

func TestBackupsAreTrimmed(t *testing.T) {
	m, dir, clk := newTestManager(t)

	for i := 0; i < maxBackups+5; i++ {
		if err := m.Update("voice.md", strings.Repeat("x", i+1), "user"); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
		clk.Advance(time.Second)
	}

	backups, _ := filepath.Glob(filepath.Join(dir, backupDir, "voice.md.*"))
	if len(backups) != maxBackups {
		t.Errorf("backups = %d, want %d", len(backups), maxBackups)
	}
}

func TestUpdateRejectsBadNames(t *testing.T) {
	m, _, _ := newTestManager(t)

	for _, name := range []string{"", "notes.txt", "../escape.md", "sub/dir.md"} {
		if err := m.Update(name, "x", "user"); err == nil {
			t.Errorf("Update(%q) accepted, want error", name)
		}
	}
}

func TestWatchReloadsOnDiskChange(t *testing.T) {
	m, dir, _ := newTestManager(t)
	if err := m.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer m.Close()

	writeFile(t, dir, "identity.md", "edited outside")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := m.Read("identity.md"); got == "edited outside" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher never picked up the change")
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
