package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitWritesJSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bridge.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: out}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	L().Info("generation begun", Generation(3), ClipDataID(0x2a))
	if err := Sync(); err != nil {
		t.Logf("Sync: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, want := range []string{`"msg":"generation begun"`, `"generation":3`, `"clip_data_id":42`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestSetLevel(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bridge.log")
	if err := Init(Config{Level: "info", OutputPath: out}); err != nil {
		t.Fatal(err)
	}
	if globalLevel.Enabled(zapcore.DebugLevel) {
		t.Fatal("debug should be disabled at info level")
	}
	SetLevel("debug")
	if !globalLevel.Enabled(zapcore.DebugLevel) {
		t.Error("debug should be enabled after SetLevel")
	}
	SetLevel("nonsense")
	if !globalLevel.Enabled(zapcore.DebugLevel) {
		t.Error("invalid level should leave the level unchanged")
	}
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bridge.log")
	if err := Init(Config{Level: "loud", OutputPath: out}); err != nil {
		t.Fatal(err)
	}
	if globalLevel.Level() != zapcore.InfoLevel {
		t.Errorf("level = %v, want info", globalLevel.Level())
	}
}

func TestMiddlewarePassesThrough(t *testing.T) {
	h := Middleware(zap.NewNop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestLConcurrentFirstUse(t *testing.T) {
	prev := globalLogger.Load()
	globalLogger.Store(nil)
	t.Cleanup(func() { globalLogger.Store(prev) })

	const n = 16
	got := make([]*zap.Logger, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = L()
		}()
	}
	wg.Wait()
	for i, l := range got {
		if l == nil || l != got[0] {
			t.Fatalf("L() #%d = %p, want the shared logger %p", i, l, got[0])
		}
	}
}
