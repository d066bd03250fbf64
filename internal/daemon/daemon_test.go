package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"meterbox/internal/api"
	"meterbox/internal/artifacts"
	"meterbox/internal/camera"
	"meterbox/internal/config"
	"meterbox/internal/logging"
	"meterbox/internal/pipeline"
	"meterbox/internal/settings"
	"meterbox/internal/testsupport"
)

type stubFrame struct{ data []byte }

func (f stubFrame) Bytes() []byte { return f.data }
func (f stubFrame) Release()      {}

type stubSensor struct{}

func (stubSensor) Configure(camera.Params) error { return nil }
func (stubSensor) Acquire(context.Context) (camera.Frame, error) {
	return stubFrame{data: testsupport.JPEG}, nil
}
func (stubSensor) Close() error { return nil }

type stubFlash struct{}

func (stubFlash) Set(int) error { return nil }

// heldSensor passes frames through until armed, then stalls every acquire
// on a channel so a test can control when a capture finishes.
type heldSensor struct {
	mu      sync.Mutex
	hold    chan struct{}
	entered chan struct{}
}

func (s *heldSensor) Configure(camera.Params) error { return nil }

func (s *heldSensor) Acquire(context.Context) (camera.Frame, error) {
	s.mu.Lock()
	hold, entered := s.hold, s.entered
	s.mu.Unlock()
	if hold != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-hold
	}
	return stubFrame{data: testsupport.JPEG}, nil
}

func (s *heldSensor) Close() error { return nil }

func (s *heldSensor) arm() {
	s.mu.Lock()
	s.hold = make(chan struct{})
	s.entered = make(chan struct{}, 1)
	s.mu.Unlock()
}

func (s *heldSensor) open() {
	s.mu.Lock()
	close(s.hold)
	s.mu.Unlock()
}

type fixture struct {
	daemon   *Daemon
	cfg      *config.Config
	settings *settings.Store
}

func newLogRecord(msg string) slog.Record {
	return slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSensor(t, stubSensor{})
}

func newFixtureWithSensor(t *testing.T, sensor camera.Sensor) *fixture {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	store := testsupport.OpenSettings(t, cfg)
	artifactStore := testsupport.NewArtifactStore(t, cfg)

	// Factory-default windows fail the sensor's alignment rules; give both
	// slots capture-ready regions so the boot batch stores artifacts.
	for i, key := range settings.DeviceKeys() {
		region := settings.DeviceRegion{
			ID:   fmt.Sprintf("%d", i+1),
			Rect: settings.Rect{X1: 16, Y1: 10, X2: 176, Y2: 90},
		}
		if err := store.SetDevice(context.Background(), key, region); err != nil {
			t.Fatalf("seed region %s: %v", key, err)
		}
	}

	cam := camera.NewService(sensor, stubFlash{}, logging.NewNop())
	orch := pipeline.New(pipeline.Options{
		Settings:  store,
		Camera:    cam,
		Artifacts: artifactStore,
		Quality:   cfg.Capture.Quality,
		Logger:    logging.NewNop(),
	})

	d, err := New(Options{
		Config:       cfg,
		Logger:       logging.NewNop(),
		Broadcaster:  logging.NewBroadcaster(),
		Settings:     store,
		Artifacts:    artifactStore,
		Camera:       cam,
		Orchestrator: orch,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)

	return &fixture{daemon: d, cfg: cfg, settings: store}
}

func (f *fixture) url(path string) string {
	return fmt.Sprintf("http://%s%s", f.daemon.APIAddr(), path)
}

func getJSON(t *testing.T, url string, target any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func putJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStartRunsBootBatchAndServesStatus(t *testing.T) {
	fx := newFixture(t)

	var status api.StatusResponse
	resp := getJSON(t, fx.url("/api/status"), &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if status.State != "active" {
		t.Errorf("state = %q", status.State)
	}
	if status.BootCount != 1 {
		t.Errorf("boot count = %d", status.BootCount)
	}
	// Boot batch stored one artifact per device before the API came up.
	if status.ArtifactCount != 2 {
		t.Errorf("artifact count = %d, want 2", status.ArtifactCount)
	}
}

func TestSecondInstanceIsRejected(t *testing.T) {
	fx := newFixture(t)

	cam := camera.NewService(stubSensor{}, stubFlash{}, logging.NewNop())
	artifactStore, err := artifacts.NewStore(fx.cfg.Paths.ArtifactDir, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	orch := pipeline.New(pipeline.Options{
		Settings:  fx.settings,
		Camera:    cam,
		Artifacts: artifactStore,
		Quality:   16,
		Logger:    logging.NewNop(),
	})
	second, err := New(Options{
		Config:       fx.cfg,
		Logger:       logging.NewNop(),
		Settings:     fx.settings,
		Artifacts:    artifactStore,
		Camera:       cam,
		Orchestrator: orch,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second instance started despite lock")
	}
}

func TestCaptureEndpointRunsBatch(t *testing.T) {
	fx := newFixture(t)

	resp, err := http.Post(fx.url("/api/capture"), "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}

	var payload api.CaptureResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(payload.Results))
	}
	for _, r := range payload.Results {
		if r.Error != "" {
			t.Errorf("%s: %s", r.DeviceKey, r.Error)
		}
		if r.Artifact == "" {
			t.Errorf("%s: no artifact", r.DeviceKey)
		}
	}
}

func TestCaptureFinishesAfterClientDisconnect(t *testing.T) {
	sensor := &heldSensor{}
	fx := newFixtureWithSensor(t, sensor)

	// Stall the next capture at the sensor, then drop the client mid-batch.
	sensor.arm()

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, fx.url("/api/capture"), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
		errc <- err
	}()

	select {
	case <-sensor.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never reached the sensor")
	}
	cancelReq()
	if err := <-errc; err == nil {
		t.Fatal("request succeeded despite cancellation")
	}
	sensor.open()

	// The boot batch stored 2 artifacts; the disconnected batch must still
	// store 2 more.
	deadline := time.After(5 * time.Second)
	for {
		names, err := fx.daemon.artifacts.List()
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(names) == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("artifacts = %d, want 4 after disconnected capture", len(names))
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSettingsRoundTripOverAPI(t *testing.T) {
	fx := newFixture(t)

	update := api.OperationalSettings{
		OCREnabled:   false,
		SleepEnabled: true,
		SleepSeconds: 90,
		AGCGain:      12,
		AECValue:     800,
		FlashDuty:    50,
	}
	resp := putJSON(t, fx.url("/api/settings"), update)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	var got api.OperationalSettings
	getJSON(t, fx.url("/api/settings"), &got)
	if got != update {
		t.Errorf("settings = %+v, want %+v", got, update)
	}
}

func TestSettingsValidationErrorIs400(t *testing.T) {
	fx := newFixture(t)

	bad := api.OperationalSettings{SleepSeconds: 5, AGCGain: 10, AECValue: 500, FlashDuty: 100}
	resp := putJSON(t, fx.url("/api/settings"), bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRegionUpdateAndList(t *testing.T) {
	fx := newFixture(t)

	update := api.Region{DeviceID: "meter-42", DeviceType: "electric", X1: 16, Y1: 10, X2: 176, Y2: 90}
	resp := putJSON(t, fx.url("/api/regions/device1"), update)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	var regions api.RegionsResponse
	getJSON(t, fx.url("/api/regions"), &regions)
	if len(regions.Regions) != 2 {
		t.Fatalf("regions = %d, want 2", len(regions.Regions))
	}
	first := regions.Regions[0]
	if first.Key != "device1" || first.DeviceID != "meter-42" || first.X2 != 176 {
		t.Errorf("region = %+v", first)
	}
}

func TestRegionUpdateUnknownSlotIs404(t *testing.T) {
	fx := newFixture(t)
	resp := putJSON(t, fx.url("/api/regions/device9"), api.Region{DeviceID: "x", X2: 16, Y2: 8})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestArtifactListAndDownload(t *testing.T) {
	fx := newFixture(t)

	var listed api.ArtifactListResponse
	getJSON(t, fx.url("/api/artifacts"), &listed)
	if len(listed.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(listed.Artifacts))
	}
	for _, info := range listed.Artifacts {
		if info.Size == 0 {
			t.Errorf("%s: size 0", info.Name)
		}
		if info.Text != "N/A" {
			t.Errorf("%s: text = %q, want N/A with recognition off", info.Name, info.Text)
		}
	}

	resp, err := http.Get(fx.url("/api/artifacts/" + listed.Artifacts[0].Name))
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content type = %q", ct)
	}
}

func TestArtifactDownloadMissingIs404(t *testing.T) {
	fx := newFixture(t)
	resp, err := http.Get(fx.url("/api/artifacts/9_9_9.jpg"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLogsEndpointStreamsNDJSON(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.url("/api/logs"), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	// Produce a record after the subscription is live.
	go func() {
		time.Sleep(100 * time.Millisecond)
		logger := fx.daemon.broadcaster.Handler(0)
		_ = logger.Handle(context.Background(), newLogRecord("stream probe"))
	}()

	var entry logging.Entry
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&entry); err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if entry.Message != "stream probe" {
		t.Errorf("message = %q", entry.Message)
	}
}
