package cli

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/khanglvm/weapon-watch/internal/config"
)

// fakeBackend serves a fixed two-record history.
type fakeBackend struct {
	mu      sync.Mutex
	history []map[string]any
	cleared bool
	deleted []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		history: []map[string]any{
			{"id": "det-knife", "timestamp": "2024-05-01T11:00:00", "source_type": "Webcam", "weapon_count": 1,
				"confidence_scores": []float64{0.92}, "processing_time": 0.2, "class_names": []string{"knife"}},
			{"id": "det-empty", "timestamp": "2024-05-01T10:00:00", "source_type": "Image Upload", "weapon_count": 0,
				"confidence_scores": []float64{0.3}, "processing_time": 0.4, "class_names": []string{"person"}},
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		if r.Method == http.MethodDelete {
			fb.cleared = true
			reply(w, http.StatusOK, map[string]string{"status": "success"})
			return
		}
		reply(w, http.StatusOK, fb.history)
	}).Methods(http.MethodGet, http.MethodDelete)
	r.HandleFunc("/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		id := mux.Vars(r)["id"]
		for _, d := range fb.history {
			if d["id"] != id {
				continue
			}
			if r.Method == http.MethodDelete {
				fb.deleted = append(fb.deleted, id)
				reply(w, http.StatusOK, map[string]string{"status": "success"})
				return
			}
			reply(w, http.StatusOK, d)
			return
		}
		reply(w, http.StatusNotFound, map[string]string{"detail": "Detection not found"})
	}).Methods(http.MethodGet, http.MethodDelete)
	r.HandleFunc("/image/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-" + mux.Vars(r)["id"]))
	})
	r.HandleFunc("/model/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"class_names":{"1":"knife","0":"pistol"},"model_path":"weights/best.pt"}`))
	})
	r.HandleFunc("/detect/image", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{
			"id": "upload-1", "timestamp": "2024-05-01T12:00:00", "source_type": "Image Upload",
			"weapon_count": 1, "confidence_scores": []float64{0.81}, "processing_time": 0.25, "class_names": []string{"pistol"},
		})
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	// Point every command at the fake backend through a temp config file.
	cfg := config.NewConfig()
	cfg.Backend.URL = srv.URL
	path := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(cfg, path); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv(config.EnvAPIURL, "")
	setConfigPath(t, path)
	return fb
}

func setConfigPath(t *testing.T, path string) {
	t.Helper()
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
}

func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// execute runs cmd with args and returns its combined output.
func execute(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestNewRootCmd(t *testing.T) {
	root := NewRootCmd()

	if root.Use != "weapon-watch" {
		t.Errorf("Expected Use='weapon-watch', got %q", root.Use)
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("Flag 'config' not registered")
	}

	want := []string{"watch", "history", "detect", "status", "model", "stats", "config", "version"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Subcommand %q not registered", name)
		}
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		name  string
		cmd   *cobra.Command
		flags []string
	}{
		{"watch", NewWatchCmd(), []string{"addr", "no-push", "no-api", "poll"}},
		{"detect", NewDetectCmd(), []string{"conf", "frame-skip", "json"}},
		{"status", NewStatusCmd(), []string{"push", "timeout"}},
		{"stats", NewStatsCmd(), []string{"json"}},
		{"model", NewModelCmd(), []string{"json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, f := range tt.flags {
				if tt.cmd.Flags().Lookup(f) == nil {
					t.Errorf("Flag %q not registered", f)
				}
			}
			if tt.cmd.Short == "" {
				t.Error("Command missing short description")
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, NewVersionCmd(), "")
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	for _, want := range []string{"Version:", "Commit:", "Built:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q: %s", want, out)
		}
	}
}

func TestHistoryList(t *testing.T) {
	newFakeBackend(t)

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
		wantErr bool
	}{
		{"all", []string{"list"}, []string{"Detections (2 of 2)", "det-knife", "det-empty"}, nil, false},
		{"weapons only", []string{"ls", "--weapons", "weapons"}, []string{"det-knife"}, []string{"det-empty"}, false},
		{"search", []string{"list", "--search", "PERSON"}, []string{"det-empty"}, []string{"det-knife"}, false},
		{"source", []string{"list", "--source", "webcam"}, []string{"det-knife"}, []string{"det-empty"}, false},
		{"limit", []string{"list", "--sort", "oldest", "-n", "1"}, []string{"det-empty"}, []string{"det-knife"}, false},
		{"no match", []string{"list", "--search", "rifle"}, []string{"No detections found."}, nil, false},
		{"bad source", []string{"list", "--source", "drone"}, nil, nil, true},
		{"bad sort", []string{"list", "--sort", "random"}, nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, NewHistoryCmd(), "", tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, s := range tt.want {
				if !strings.Contains(out, s) {
					t.Errorf("Output missing %q:\n%s", s, out)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(out, s) {
					t.Errorf("Output should not contain %q:\n%s", s, out)
				}
			}
		})
	}
}

func TestHistoryListJSON(t *testing.T) {
	newFakeBackend(t)

	out, err := execute(t, NewHistoryCmd(), "", "list", "--json", "--sort", "confidence")
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	var records []map[string]any
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("Output is not JSON: %v\n%s", err, out)
	}
	if len(records) != 2 || records[0]["id"] != "det-knife" {
		t.Errorf("Unexpected records %v", records)
	}
}

func TestHistoryShowDeleteClear(t *testing.T) {
	fb := newFakeBackend(t)

	out, err := execute(t, NewHistoryCmd(), "", "show", "det-knife")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out, "knife") || !strings.Contains(out, "92%") {
		t.Errorf("Unexpected show output:\n%s", out)
	}

	if _, err := execute(t, NewHistoryCmd(), "", "show", "missing"); err == nil {
		t.Error("Expected error for unknown id")
	}

	if _, err := execute(t, NewHistoryCmd(), "", "delete", "det-empty"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	out, err = execute(t, NewHistoryCmd(), "n\n", "clear")
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !strings.Contains(out, "Cancelled.") {
		t.Errorf("Expected cancellation, got:\n%s", out)
	}

	if _, err := execute(t, NewHistoryCmd(), "yes\n", "clear"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.deleted) != 1 || fb.deleted[0] != "det-empty" {
		t.Errorf("Expected det-empty deleted, got %v", fb.deleted)
	}
	if !fb.cleared {
		t.Error("Expected history cleared after confirmation")
	}
}

func TestHistoryImage(t *testing.T) {
	newFakeBackend(t)
	output := filepath.Join(t.TempDir(), "out.jpg")

	if _, err := execute(t, NewHistoryCmd(), "", "image", "det-knife", "-o", output); err != nil {
		t.Fatalf("image failed: %v", err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpeg-det-knife" {
		t.Errorf("Unexpected image content %q", data)
	}
}

func TestDetectImage(t *testing.T) {
	newFakeBackend(t)

	var buf bytes.Buffer
	png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4)))
	path := filepath.Join(t.TempDir(), "photo.png")
	os.WriteFile(path, buf.Bytes(), 0644)

	out, err := execute(t, NewDetectCmd(), "", path)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if !strings.Contains(out, "1 weapon(s) detected") || !strings.Contains(out, "pistol") {
		t.Errorf("Unexpected output:\n%s", out)
	}
}

func TestModelAndStats(t *testing.T) {
	newFakeBackend(t)

	out, err := execute(t, NewModelCmd(), "")
	if err != nil {
		t.Fatalf("model failed: %v", err)
	}
	if strings.Index(out, "pistol") > strings.Index(out, "knife") {
		t.Errorf("Expected classes sorted by id:\n%s", out)
	}

	out, err = execute(t, NewStatsCmd(), "")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	for _, want := range []string{"Total detections:   2", "Average confidence: 61%", "Confidence bands:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}

func TestStatus(t *testing.T) {
	newFakeBackend(t)

	out, err := execute(t, NewStatusCmd(), "")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "✓ healthy") || !strings.Contains(out, "/ws") {
		t.Errorf("Unexpected output:\n%s", out)
	}
}

func TestStatusPushUnavailable(t *testing.T) {
	// The fake backend has no /ws route, so every dial fails and the
	// manager gives up after its retries.
	newFakeBackend(t)
	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Connection.BackoffBaseMillis = 10
	cfg.Connection.BackoffMaxMillis = 20
	if err := config.Save(cfg, configPath); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, NewStatusCmd(), "", "--push", "--timeout", "10s")
	if err == nil {
		t.Fatalf("Expected push channel error, got output:\n%s", out)
	}
	if !strings.Contains(out, "Connecting...") {
		t.Errorf("Expected status transitions in output:\n%s", out)
	}
}

func TestStatusBackendDown(t *testing.T) {
	setConfigPath(t, filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv(config.EnvAPIURL, "http://127.0.0.1:1")

	out, err := execute(t, NewStatusCmd(), "")
	if err == nil {
		t.Fatal("Expected error when backend is unreachable")
	}
	if !strings.Contains(out, "✗") {
		t.Errorf("Expected failure mark:\n%s", out)
	}
}

func TestConfigCommands(t *testing.T) {
	t.Setenv(config.EnvAPIURL, "")
	path := filepath.Join(t.TempDir(), "weapon-watch.yaml")
	setConfigPath(t, path)

	out, err := execute(t, NewConfigCmd(), "", "init", "--url", "http://10.1.1.1:8000")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Errorf("Expected path in output:\n%s", out)
	}

	if _, err := execute(t, NewConfigCmd(), "", "init"); err == nil {
		t.Error("Expected init to refuse overwriting without --force")
	}

	out, err = execute(t, NewConfigCmd(), "", "show", "-o", "yaml")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out, "url: http://10.1.1.1:8000") {
		t.Errorf("Expected YAML with stored URL:\n%s", out)
	}

	out, err = execute(t, NewConfigCmd(), "", "path")
	if err != nil || strings.TrimSpace(out) != path {
		t.Errorf("Expected %s, got %q (%v)", path, out, err)
	}
}
