package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// fakeBackend mimics the detection backend's routes.
type fakeBackend struct {
	mu      sync.Mutex
	history []map[string]any
	uploads []upload
	healthy bool
}

type upload struct {
	path        string
	filename    string
	contentType string
	fields      map[string]string
}

func newFakeBackend(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	fb := &fakeBackend{
		healthy: true,
		history: []map[string]any{
			{"id": "a", "timestamp": "2024-01-15T10:30:00.123456", "source_type": "Image Upload",
				"weapon_count": 1, "confidence_scores": []float64{0.9}, "processing_time": 0.2, "class_names": []string{"pistol"}},
			{"id": "b", "timestamp": "2024-01-15 10:31:00", "source_type": "Webcam",
				"weapon_count": 0, "confidence_scores": []float64{}, "processing_time": 0.1, "class_names": []string{}},
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		healthy := fb.healthy
		fb.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		writeJSON(w, fb.history)
	}).Methods(http.MethodGet)
	r.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.history = nil
		fb.mu.Unlock()
		writeJSON(w, map[string]string{"status": "success"})
	}).Methods(http.MethodDelete)
	r.HandleFunc("/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		id := mux.Vars(r)["id"]
		for i, d := range fb.history {
			if d["id"] != id {
				continue
			}
			if r.Method == http.MethodDelete {
				fb.history = append(fb.history[:i], fb.history[i+1:]...)
				writeJSON(w, map[string]string{"status": "success"})
				return
			}
			writeJSON(w, d)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"detail": "Detection not found"})
	}).Methods(http.MethodGet, http.MethodDelete)
	r.HandleFunc("/image/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes-" + mux.Vars(r)["id"]))
	}).Methods(http.MethodGet)
	r.HandleFunc("/model/info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"class_names":{"0":"weapon","1":"knife"},"model_path":"best.pt"}`))
	}).Methods(http.MethodGet)
	r.HandleFunc("/detect/{kind:image|frame}", fb.recordUpload).Methods(http.MethodPost)
	r.HandleFunc("/detect/video/upload", fb.recordUpload).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return fb, c
}

func (fb *fakeBackend) recordUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file.Close()

	u := upload{
		path:        r.URL.Path,
		filename:    header.Filename,
		contentType: header.Header.Get("Content-Type"),
		fields:      map[string]string{},
	}
	for key, values := range r.MultipartForm.Value {
		u.fields[key] = values[0]
	}
	fb.mu.Lock()
	fb.uploads = append(fb.uploads, u)
	fb.mu.Unlock()

	switch r.URL.Path {
	case "/detect/image":
		writeJSON(w, map[string]any{"id": "img-1", "timestamp": "2024-01-15 10:30:00", "source_type": "Image Upload",
			"weapon_count": 1, "confidence_scores": []float64{0.8}, "processing_time": 0.3, "class_names": []string{"weapon"}})
	case "/detect/frame":
		writeJSON(w, map[string]any{"weapon_count": 1, "confidence_scores": []float64{0.7}, "processing_time": 0.05,
			"detections": []map[string]any{{"x1": 1, "y1": 2, "x2": 3, "y2": 4, "confidence": 0.7, "class_id": 0, "class_name": "weapon"}}})
	default:
		writeJSON(w, map[string]string{"job_id": "job-1", "status": "processing", "message": "Video uploaded"})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestNewValidatesURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8000", false},
		{"https://detector.example.com/", false},
		{"ftp://localhost", true},
		{"localhost:8000", true},
		{"http://", true},
	}
	for _, tt := range tests {
		_, err := New(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws"},
		{"https://detector.example.com/", "wss://detector.example.com/ws"},
		{"http://host/api", "ws://host/api/ws"},
	}
	for _, tt := range tests {
		c, err := New(tt.base)
		if err != nil {
			t.Fatalf("New(%q): %v", tt.base, err)
		}
		if got := c.WebsocketURL(); got != tt.want {
			t.Errorf("WebsocketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestHealthAndProbe(t *testing.T) {
	fb, c := newFakeBackend(t)
	ctx := context.Background()

	if !c.Probe(ctx) {
		t.Error("Expected healthy backend to probe true")
	}

	fb.mu.Lock()
	fb.healthy = false
	fb.mu.Unlock()
	err := c.Health(ctx)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 StatusError, got %v", err)
	}
	if c.Probe(ctx) {
		t.Error("Expected unhealthy backend to probe false")
	}
}

func TestHistory(t *testing.T) {
	_, c := newFakeBackend(t)

	history, err := c.History(context.Background())
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(history))
	}
	if history[0].ID != "a" || history[0].MaxConfidence() != 0.9 {
		t.Errorf("Unexpected first record %+v", history[0])
	}
	if history[1].Timestamp.IsZero() {
		t.Error("Expected space-separated timestamp to parse")
	}
}

func TestDetectionAndDelete(t *testing.T) {
	_, c := newFakeBackend(t)
	ctx := context.Background()

	d, err := c.Detection(ctx, "a")
	if err != nil {
		t.Fatalf("Detection failed: %v", err)
	}
	if d.WeaponCount != 1 {
		t.Errorf("Expected weapon_count 1, got %d", d.WeaponCount)
	}

	if err := c.DeleteDetection(ctx, "a"); err != nil {
		t.Fatalf("DeleteDetection failed: %v", err)
	}
	err = c.DeleteDetection(ctx, "a")
	if !IsNotFound(err) {
		t.Errorf("Expected not found on second delete, got %v", err)
	}
	if !strings.Contains(err.Error(), "Detection not found") {
		t.Errorf("Expected detail in error message, got %q", err.Error())
	}

	if err := c.ClearHistory(ctx); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}
	history, err := c.History(ctx)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if history == nil || len(history) != 0 {
		t.Errorf("Expected empty non-nil history, got %#v", history)
	}
}

func TestModelInfoAndImage(t *testing.T) {
	_, c := newFakeBackend(t)
	ctx := context.Background()

	info, err := c.ModelInfo(ctx)
	if err != nil {
		t.Fatalf("ModelInfo failed: %v", err)
	}
	if info.ClassNames[1] != "knife" || info.ModelPath != "best.pt" {
		t.Errorf("Unexpected model info %+v", info)
	}

	img, err := c.Image(ctx, "a")
	if err != nil {
		t.Fatalf("Image failed: %v", err)
	}
	if string(img) != "jpeg-bytes-a" {
		t.Errorf("Unexpected image body %q", img)
	}
}

func TestUploads(t *testing.T) {
	fb, c := newFakeBackend(t)
	ctx := context.Background()

	d, err := c.DetectImage(ctx, "/tmp/photo.jpg", bytes.NewReader([]byte("fake jpeg")), 0.4)
	if err != nil {
		t.Fatalf("DetectImage failed: %v", err)
	}
	if d.ID != "img-1" {
		t.Errorf("Unexpected image result %+v", d)
	}

	job, err := c.DetectVideo(ctx, "clip.mp4", strings.NewReader("fake video"), 0.25, 3)
	if err != nil {
		t.Fatalf("DetectVideo failed: %v", err)
	}
	if job.JobID != "job-1" {
		t.Errorf("Unexpected job %+v", job)
	}

	frame, err := c.DetectFrame(ctx, "frame.jpg", strings.NewReader("frame"), DefaultConfidence)
	if err != nil {
		t.Fatalf("DetectFrame failed: %v", err)
	}
	if len(frame.Detections) != 1 || frame.Detections[0].ClassName != "weapon" {
		t.Errorf("Unexpected frame result %+v", frame)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.uploads) != 3 {
		t.Fatalf("Expected 3 uploads, got %d", len(fb.uploads))
	}
	img := fb.uploads[0]
	if img.filename != "photo.jpg" {
		t.Errorf("Expected base filename, got %q", img.filename)
	}
	if img.contentType != "image/jpeg" {
		t.Errorf("Expected image/jpeg part, got %q", img.contentType)
	}
	if img.fields["conf_threshold"] != "0.4" {
		t.Errorf("Expected conf_threshold 0.4, got %q", img.fields["conf_threshold"])
	}
	if fb.uploads[1].fields["frame_skip"] != "3" {
		t.Errorf("Expected frame_skip 3, got %q", fb.uploads[1].fields["frame_skip"])
	}
}

func TestTimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.History(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("Expected timeout to also match ErrNetwork, got %v", err)
	}
}

func TestUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Health(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("Expected ErrNetwork, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("Refused connection should not be a timeout: %v", err)
	}
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	if _, err := c.History(context.Background()); err == nil {
		t.Error("Expected parse error")
	}
}
