package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/org-partitions/org-service/internal/audit"
	"github.com/org-partitions/org-service/internal/config"
)

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_Disabled(t *testing.T) {
	ms, err := audit.New(config.AuditConfig{Enabled: false, File: config.AuditFileConfig{Path: "/nonexistent/dir/audit.log"}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
	if err := ms.Ship(context.Background(), &audit.LogEntry{Action: "test"}); err != nil {
		t.Errorf("Ship() on empty multi-shipper = %v, want nil", err)
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() on empty multi-shipper = %v, want nil", err)
	}
}

func TestNew_FileAndWebhook(t *testing.T) {
	dir := t.TempDir()
	ms, err := audit.New(config.AuditConfig{
		Enabled: true,
		File:    config.AuditFileConfig{Path: filepath.Join(dir, "audit.log")},
		Webhook: config.AuditWebhookConfig{URL: "http://127.0.0.1:1/audit"},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer ms.Close()
	if ms.Len() != 2 {
		t.Errorf("Len() = %d, want 2", ms.Len())
	}
}

func TestNew_BadFilePath(t *testing.T) {
	_, err := audit.New(config.AuditConfig{
		Enabled: true,
		File:    config.AuditFileConfig{Path: filepath.Join(t.TempDir(), "missing", "audit.log")},
	})
	if err == nil {
		t.Fatal("New() expected error for unwritable path")
	}
}

// ---------------------------------------------------------------------------
// MultiShipper
// ---------------------------------------------------------------------------

type recordingShipper struct {
	entries []*audit.LogEntry
	err     error
	closed  bool
}

func (r *recordingShipper) Ship(_ context.Context, e *audit.LogEntry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingShipper) Close() error {
	r.closed = true
	return r.err
}

func TestMultiShipper_FansOutPastFailures(t *testing.T) {
	failing := &recordingShipper{err: errors.New("down")}
	ok := &recordingShipper{}
	ms := audit.NewMultiShipper(failing, ok)

	err := ms.Ship(context.Background(), &audit.LogEntry{Action: "organization.created"})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("Ship() = %v, want error mentioning the failing destination", err)
	}
	if len(ok.entries) != 1 {
		t.Errorf("healthy destination got %d entries, want 1", len(ok.entries))
	}

	if err := ms.Close(); err == nil {
		t.Error("Close() expected error from failing destination")
	}
	if !failing.closed || !ok.closed {
		t.Error("Close() should close every destination")
	}
}

// ---------------------------------------------------------------------------
// FileShipper
// ---------------------------------------------------------------------------

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestFileShipper_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fs, err := audit.NewFileShipper(config.AuditFileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}

	for _, action := range []string{"organization.created", "organization.deleted"} {
		if err := fs.Ship(context.Background(), &audit.LogEntry{
			Timestamp:    time.Now().UTC(),
			Action:       action,
			Organization: "Acme Corp",
			StatusCode:   http.StatusCreated,
		}); err != nil {
			t.Fatalf("Ship: %v", err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var entry audit.LogEntry
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.Action != "organization.deleted" || entry.Organization != "Acme Corp" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestFileShipper_ShipAfterClose(t *testing.T) {
	fs, err := audit.NewFileShipper(config.AuditFileConfig{Path: filepath.Join(t.TempDir(), "audit.log")})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if err := fs.Ship(context.Background(), &audit.LogEntry{Action: "x"}); err == nil {
		t.Error("Ship() after Close expected error")
	}
}

func TestFileShipper_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	// Pre-fill beyond one megabyte so the next Ship rotates.
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 1024*1024+1)), 0600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fs, err := audit.NewFileShipper(config.AuditFileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	defer fs.Close()

	if err := fs.Ship(context.Background(), &audit.LogEntry{Action: "admin.login"}); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated backup: %v", err)
	}
	lines := readLines(t, path)
	if len(lines) != 1 || !strings.Contains(lines[0], "admin.login") {
		t.Errorf("live file lines = %v", lines)
	}
}

// ---------------------------------------------------------------------------
// WebhookShipper
// ---------------------------------------------------------------------------

func TestWebhookShipper_Posts(t *testing.T) {
	var got audit.LogEntry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ws := audit.NewWebhookShipper(config.AuditWebhookConfig{URL: srv.URL})
	defer ws.Close()

	if err := ws.Ship(context.Background(), &audit.LogEntry{Action: "organization.updated", Actor: "admin@acme.example"}); err != nil {
		t.Fatalf("Ship: %v", err)
	}
	if got.Action != "organization.updated" || got.Actor != "admin@acme.example" {
		t.Errorf("received %+v", got)
	}
}

func TestWebhookShipper_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ws := audit.NewWebhookShipper(config.AuditWebhookConfig{URL: srv.URL, Timeout: time.Second})
	if err := ws.Ship(context.Background(), &audit.LogEntry{Action: "x"}); err == nil {
		t.Error("Ship() expected error for 500 response")
	}
}
