package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLogging(t *testing.T) {
	t.Helper()
	CloseAll()
	logsDir = ""
	configMu.Lock()
	config = Options{}
	configMu.Unlock()
	t.Cleanup(func() {
		CloseAll()
		logsDir = ""
		configMu.Lock()
		config = Options{}
		configMu.Unlock()
	})
}

func TestInitializeRequiresDir(t *testing.T) {
	resetLogging(t)
	if err := Initialize("", Options{}); err == nil {
		t.Fatal("expected error for empty data dir")
	}
}

func TestProductionModeWritesNothing(t *testing.T) {
	resetLogging(t)
	dir := t.TempDir()

	if err := Initialize(dir, Options{DebugMode: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Resolver("should not be written")

	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Errorf("expected no logs dir in production mode, stat err=%v", err)
	}
}

func TestCategoryFilesAndLevels(t *testing.T) {
	resetLogging(t)
	dir := t.TempDir()

	err := Initialize(dir, Options{
		DebugMode:  true,
		Level:      "info",
		Categories: map[string]bool{"vault": false},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Resolver("resolved tab %s", "55")
	ResolverDebug("debug line hidden at info level")
	Vault("disabled category")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "logs", date+"_resolver.log"))
	if err != nil {
		t.Fatalf("read resolver log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "[INFO] resolved tab 55") {
		t.Errorf("missing info line, got %q", content)
	}
	if strings.Contains(content, "debug line hidden") {
		t.Errorf("debug line should be filtered at info level")
	}
	if _, err := os.Stat(filepath.Join(dir, "logs", date+"_vault.log")); !os.IsNotExist(err) {
		t.Errorf("disabled category should not create a file")
	}
}

func TestJSONFormat(t *testing.T) {
	resetLogging(t)
	dir := t.TempDir()

	if err := Initialize(dir, Options{DebugMode: true, Level: "debug", JSONFormat: true}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Get(CategoryMailbox).Warn("slot overwritten")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "logs", date+"_mailbox.log"))
	if err != nil {
		t.Fatalf("read mailbox log: %v", err)
	}
	if !strings.Contains(string(data), `"lvl":"WARN"`) || !strings.Contains(string(data), `"cat":"mailbox"`) {
		t.Errorf("expected JSON entry, got %q", string(data))
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]int{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestBootAndDebugMode(t *testing.T) {
	resetLogging(t)
	dir := t.TempDir()

	if IsDebugMode() {
		t.Fatal("debug mode should be off before Initialize")
	}
	if err := Initialize(dir, Options{DebugMode: true, Level: "info"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("debug mode should be on")
	}
	Boot("starting %s", "serve")
	BootWarn("watcher disabled")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "logs", date+"_boot.log"))
	if err != nil {
		t.Fatalf("read boot log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "[INFO] starting serve") || !strings.Contains(content, "[WARN] watcher disabled") {
		t.Errorf("unexpected boot log %q", content)
	}
}

func TestStructuredLogAndSlowTimer(t *testing.T) {
	resetLogging(t)
	dir := t.TempDir()

	if err := Initialize(dir, Options{DebugMode: true, Level: "info"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Get(CategoryDispatch).StructuredLog("INFO", "action dispatched", map[string]interface{}{"delivery": "mailbox"})

	timer := StartTimer(CategoryResolver, "Resolve")
	time.Sleep(5 * time.Millisecond)
	if elapsed := timer.StopWithThreshold(time.Millisecond); elapsed < time.Millisecond {
		t.Errorf("elapsed = %v", elapsed)
	}
	fast := StartTimer(CategoryResolver, "Resolve fast")
	fast.StopWithThreshold(time.Hour)
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "logs", date+"_dispatch.log"))
	if err != nil {
		t.Fatalf("read dispatch log: %v", err)
	}
	if !strings.Contains(string(data), `"delivery":"mailbox"`) || !strings.Contains(string(data), `"msg":"action dispatched"`) {
		t.Errorf("expected structured entry, got %q", string(data))
	}

	data, err = os.ReadFile(filepath.Join(dir, "logs", date+"_resolver.log"))
	if err != nil {
		t.Fatalf("read resolver log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "[WARN] Resolve took") {
		t.Errorf("slow resolve should warn, got %q", content)
	}
	if strings.Contains(content, "Resolve fast") {
		t.Errorf("fast resolve is debug only at info level")
	}
}
