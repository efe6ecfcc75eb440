package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camproxy/internal/config"
	"camproxy/internal/driver"
	httpserver "camproxy/internal/http"
	"camproxy/internal/http/handlers"
	"camproxy/internal/hub"
	"camproxy/internal/ingest"
	"camproxy/internal/session"
	"camproxy/internal/snapshot"
)

type fakeDriver struct {
	mu     sync.Mutex
	starts []string
	stops  []string
}

func (f *fakeDriver) Connect(context.Context) error { return nil }
func (f *fakeDriver) Close() error                  { return nil }
func (f *fakeDriver) Connected() bool               { return true }
func (f *fakeDriver) StationSerials() []string      { return nil }
func (f *fakeDriver) DeviceSerials() []string       { return nil }
func (f *fakeDriver) StationProperties(string) (map[string]any, error) {
	return nil, driver.ErrUnknownDevice
}
func (f *fakeDriver) DeviceProperties(string) (map[string]any, error) {
	return nil, driver.ErrUnknownDevice
}
func (f *fakeDriver) DeviceCommands(string) ([]string, error) { return nil, nil }

func (f *fakeDriver) StartLivestream(_ context.Context, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, serial)
	return nil
}

func (f *fakeDriver) StopLivestream(_ context.Context, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, serial)
	return nil
}

func (f *fakeDriver) PanAndTilt(context.Context, string, int) error       { return nil }
func (f *fakeDriver) PresetPosition(context.Context, string, int) error   { return nil }
func (f *fakeDriver) DownloadImage(context.Context, string, string) error { return nil }
func (f *fakeDriver) DatabaseQueryLatestInfo(context.Context, string) error {
	return nil
}
func (f *fakeDriver) OnVideoFrame(driver.VideoFrameFunc) {}
func (f *fakeDriver) OnAudioFrame(driver.AudioFrameFunc) {}
func (f *fakeDriver) OnEvent(driver.EventFunc)           {}

type testEnv struct {
	router     http.Handler
	hub        *hub.Hub
	store      *config.Store
	controller *session.Controller
	driver     *fakeDriver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()
	dir := t.TempDir()

	store := config.NewStore(filepath.Join(dir, "config.json"), logger)
	hashes := snapshot.NewHashStore(filepath.Join(dir, "picture-hashes.json"))
	writer := snapshot.NewWriter(logger, "ffmpeg", filepath.Join(dir, "snapshots"), hashes)

	drv := &fakeDriver{}
	h := hub.New(logger)
	ingress := ingest.New(logger)
	controller := session.New(logger, drv, h, ingress, store, writer, "ffmpeg",
		session.Timings{
			DrainDelay:   50 * time.Millisecond,
			ReleaseDelay: 30 * time.Millisecond,
			StopTimeout:  time.Second,
		})
	t.Cleanup(controller.Shutdown)

	srv := httpserver.NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 8080}, logger,
		httpserver.Routes{
			Stream: handlers.NewStreamHandler(controller, 100*time.Millisecond, logger),
			Config: handlers.NewConfigHandler(store, logger),
			Health: handlers.NewHealthHandler(controller, ingress, drv, store),
		})

	return &testEnv{
		router:     srv.Router(),
		hub:        h,
		store:      store,
		controller: controller,
		driver:     drv,
	}
}

func decodeBody(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestStreamRejectsInvalidSerial(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bad-serial.mp4", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec.Body)
	assert.Equal(t, "invalid serial", body["error"])
}

func TestStreamConflictWhileAnotherDeviceIsHeld(t *testing.T) {
	env := newTestEnv(t)

	sub, err := env.controller.Join(context.Background(), "CAM001")
	require.NoError(t, err)
	defer env.controller.Leave(sub)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/CAM002.mp4", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec.Body)
	assert.Equal(t, "CAM001", body["currentDevice"])
	assert.Equal(t, "CAM002", body["requestedDevice"])
}

func TestStreamTimesOutWithoutInitSegment(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/CAM001.mp4", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec.Body)
	assert.Equal(t, "timed out waiting for stream", body["error"])

	// The failed subscriber left, so the drain path releases the device.
	require.Eventually(t, func() bool {
		return env.controller.Status().CurrentDevice == ""
	}, time.Second, 10*time.Millisecond)
}

func TestStreamDeliversInitThenMedia(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	init := []byte("ftyp+moov")
	fragment := []byte("moof+mdat")
	go func() {
		for env.hub.Count() == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		env.hub.SetInit(init)
		env.hub.Broadcast(fragment, true)
		time.Sleep(20 * time.Millisecond)
		env.hub.CloseAll()
	}()

	resp, err := http.Get(srv.URL + "/CAM001.mp4")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, init...), fragment...), data)
}

func TestConfigGetReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.Apply(map[string]json.RawMessage{
		"TRANSCODING_CRF": json.RawMessage(`28`),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec.Body)
	assert.Equal(t, "28", body["TRANSCODING_CRF"])
}

func TestConfigPostUpdatesAndReportsFields(t *testing.T) {
	env := newTestEnv(t)

	payload := `{"username":"user@example.com","TRANSCODING_PRESET":"fast"}`
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/config",
		bytes.NewBufferString(payload)))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec.Body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["saved"])
	assert.ElementsMatch(t, []any{"username", "TRANSCODING_PRESET"}, body["updatedFields"])

	cfg := body["config"].(map[string]any)
	assert.Equal(t, "fast", cfg["TRANSCODING_PRESET"])
}

func TestConfigPostIdenticalBodyReportsNothingUpdated(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"language":"en"}`

	first := httptest.NewRecorder()
	env.router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/config",
		bytes.NewBufferString(payload)))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	env.router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/config",
		bytes.NewBufferString(payload)))
	require.Equal(t, http.StatusOK, second.Code)

	body := decodeBody(t, second.Body)
	assert.Equal(t, false, body["saved"])
	assert.Empty(t, body["updatedFields"])
}

func TestConfigPostRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/config",
		bytes.NewBufferString(`{"username":"user","evil":"x"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec.Body)
	assert.Contains(t, body["allowedFields"], "username")

	// Rejection is all-or-nothing.
	assert.Empty(t, env.store.Get(config.KeyUsername))
}

func TestHealthReportsIdleState(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec.Body)
	assert.Equal(t, true, body["driverConnected"])
	assert.Equal(t, float64(0), body["subscribers"])
	assert.Equal(t, false, body["isTranscoding"])
	assert.Nil(t, body["currentDevice"])
	assert.Equal(t, false, body["hasInitSegment"])
	assert.NotContains(t, body, "encoderStats")
}

func TestHealthReflectsActiveSubscription(t *testing.T) {
	env := newTestEnv(t)

	sub, err := env.controller.Join(context.Background(), "CAM001")
	require.NoError(t, err)
	defer env.controller.Leave(sub)

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	body := decodeBody(t, rec.Body)
	assert.Equal(t, "CAM001", body["currentDevice"])
	assert.Equal(t, float64(1), body["subscribers"])
}
