package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camproxy/internal/config"
	"camproxy/internal/driver"
	"camproxy/internal/hub"
	"camproxy/internal/ingest"
	"camproxy/internal/snapshot"
)

// fakeDriver records livestream calls.
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

func (f *fakeDriver) PanAndTilt(context.Context, string, int) error      { return nil }
func (f *fakeDriver) PresetPosition(context.Context, string, int) error  { return nil }
func (f *fakeDriver) DownloadImage(context.Context, string, string) error { return nil }
func (f *fakeDriver) DatabaseQueryLatestInfo(context.Context, string) error {
	return nil
}
func (f *fakeDriver) OnVideoFrame(driver.VideoFrameFunc) {}
func (f *fakeDriver) OnAudioFrame(driver.AudioFrameFunc) {}
func (f *fakeDriver) OnEvent(driver.EventFunc)           {}

func (f *fakeDriver) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeDriver) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func newTestController(t *testing.T, drv driver.Client) *Controller {
	t.Helper()
	logger := slog.Default()
	dir := t.TempDir()

	store := config.NewStore(filepath.Join(dir, "config.json"), logger)
	hashes := snapshot.NewHashStore(filepath.Join(dir, "picture-hashes.json"))
	writer := snapshot.NewWriter(logger, "ffmpeg", filepath.Join(dir, "snapshots"), hashes)

	return New(logger, drv, hub.New(logger), ingest.New(logger), store, writer, "ffmpeg",
		Timings{
			DrainDelay:   40 * time.Millisecond,
			ReleaseDelay: 30 * time.Millisecond,
			StopTimeout:  time.Second,
		})
}

func TestJoinClaimsDeviceAndStartsLivestream(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestController(t, drv)

	sub, err := c.Join(context.Background(), "CAM001")
	require.NoError(t, err)
	require.NotNil(t, sub)

	assert.Equal(t, 1, drv.startCount())
	st := c.Status()
	assert.Equal(t, "CAM001", st.CurrentDevice)
	assert.Equal(t, 1, st.Subscribers)
}

func TestJoinSameSerialDoesNotRestartLivestream(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestController(t, drv)

	_, err := c.Join(context.Background(), "CAM001")
	require.NoError(t, err)
	_, err = c.Join(context.Background(), "CAM001")
	require.NoError(t, err)

	assert.Equal(t, 1, drv.startCount())
	assert.Equal(t, 2, c.Status().Subscribers)
}

func TestJoinConflictOnDifferentSerial(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestController(t, drv)

	_, err := c.Join(context.Background(), "CAM001")
	require.NoError(t, err)

	_, err = c.Join(context.Background(), "CAM002")
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "CAM001", conflict.CurrentDevice)
	assert.Equal(t, "CAM002", conflict.RequestedDevice)

	// The original claim is untouched.
	assert.Equal(t, "CAM001", c.Status().CurrentDevice)
}

func TestLeaveDrainsAndReleasesDevice(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestController(t, drv)

	sub, err := c.Join(context.Background(), "CAM001")
	require.NoError(t, err)
	c.Leave(sub)

	// Drain fires first: the livestream is stopped, device still held.
	require.Eventually(t, func() bool { return drv.stopCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Release fires next: the device is freed.
	require.Eventually(t, func() bool { return c.Status().CurrentDevice == "" },
		time.Second, 5*time.Millisecond)
}

func TestJoinDuringDrainCancelsTimers(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestController(t, drv)

	sub, err := c.Join(context.Background(), "CAM001")
	require.NoError(t, err)
	c.Leave(sub)

	// Rejoin before the drain delay elapses.
	_, err = c.Join(context.Background(), "CAM001")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, drv.stopCount(), "drain must have been cancelled")
	assert.Equal(t, "CAM001", c.Status().CurrentDevice)
}

func TestConflictJoinDuringDrainLeavesTimersArmed(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestController(t, drv)

	sub, err := c.Join(context.Background(), "CAM001")
	require.NoError(t, err)
	c.Leave(sub)

	// A rejected join for another camera must not disturb the teardown.
	_, err = c.Join(context.Background(), "CAM002")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	require.Eventually(t, func() bool { return drv.stopCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Status().CurrentDevice == "" },
		time.Second, 5*time.Millisecond)

	// Once released, the other camera is claimable.
	_, err = c.Join(context.Background(), "CAM002")
	require.NoError(t, err)
	assert.Equal(t, "CAM002", c.Status().CurrentDevice)
}

func TestShutdownReleasesEverything(t *testing.T) {
	drv := &fakeDriver{}
	c := newTestController(t, drv)

	sub, err := c.Join(context.Background(), "CAM001")
	require.NoError(t, err)

	c.Shutdown()
	assert.Equal(t, 1, drv.stopCount())
	assert.Equal(t, "", c.Status().CurrentDevice)

	// The subscriber's stream ended.
	_, open := <-sub.Deliveries()
	assert.False(t, open)
}
