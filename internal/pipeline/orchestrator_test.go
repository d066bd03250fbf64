package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"meterbox/internal/artifacts"
	"meterbox/internal/camera"
	"meterbox/internal/jpegmeta"
	"meterbox/internal/logging"
	"meterbox/internal/ocr"
	"meterbox/internal/services"
	"meterbox/internal/settings"
)

var testImage = []byte{0xFF, 0xD8, 0x00, 0x01, 0xFF, 0xD9}

type stubFrame struct{ data []byte }

func (f stubFrame) Bytes() []byte { return f.data }
func (f stubFrame) Release()      {}

type stubCamera struct {
	failRects map[settings.Rect]error
	captures  int
}

func (c *stubCamera) Capture(_ context.Context, params camera.Params) (camera.Frame, error) {
	c.captures++
	if err, ok := c.failRects[params.Rect]; ok {
		return nil, err
	}
	return stubFrame{data: testImage}, nil
}

type stubRecognizer struct {
	text string
	err  error
}

func (r stubRecognizer) Recognize(context.Context, []byte) (string, error) {
	return r.text, r.err
}

type stubUploader struct {
	urls  []string
	names []string
	err   error
}

func (u *stubUploader) Upload(_ context.Context, serverURL, filename string, _ []byte) error {
	u.urls = append(u.urls, serverURL)
	u.names = append(u.names, filename)
	return u.err
}

type fixture struct {
	orch     *Orchestrator
	store    *settings.Store
	artifact *artifacts.Store
	camera   *stubCamera
	uploader *stubUploader
}

func newFixture(t *testing.T, recognizer Recognizer) *fixture {
	t.Helper()

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("settings.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	artifactStore, err := artifacts.NewStore(t.TempDir(), logging.NewNop())
	if err != nil {
		t.Fatalf("artifacts.NewStore: %v", err)
	}

	cam := &stubCamera{failRects: map[settings.Rect]error{}}
	up := &stubUploader{}
	orch := New(Options{
		Settings:   store,
		Camera:     cam,
		Recognizer: recognizer,
		Uploader:   up,
		Artifacts:  artifactStore,
		Quality:    16,
		Logger:     logging.NewNop(),
		Now:        func() time.Time { return time.Unix(1755600000, 0).UTC() },
	})
	return &fixture{orch: orch, store: store, artifact: artifactStore, camera: cam, uploader: up}
}

func resultByKey(t *testing.T, results []Result, key string) Result {
	t.Helper()
	for _, r := range results {
		if r.DeviceKey == key {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", key, results)
	return Result{}
}

func TestRunBatchStoresBothDevices(t *testing.T) {
	fx := newFixture(t, nil)

	results, err := fx.orch.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.OK() {
			t.Errorf("%s failed: %v", r.DeviceKey, r.Err)
		}
		if r.Text != jpegmeta.UnknownText {
			t.Errorf("%s text = %q, want unknown sentinel with recognition off", r.DeviceKey, r.Text)
		}
	}

	stored, err := fx.artifact.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored = %d, want 2", len(stored))
	}
}

func TestRunBatchIsolatesCaptureFailure(t *testing.T) {
	fx := newFixture(t, nil)

	// Device 1 has a window the sensor rejects; device 2 is untouched.
	bad := settings.DeviceRegion{ID: "1", Rect: settings.Rect{X1: 8, Y1: 8, X2: 40, Y2: 40}}
	if err := fx.store.SetDevice(context.Background(), settings.Device1, bad); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	fx.camera.failRects[bad.Rect] = services.Wrap(services.ErrHardware, "camera", "capture", "sensor returned no frame", nil)

	results, err := fx.orch.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	failed := resultByKey(t, results, settings.Device1)
	if failed.OK() || failed.ErrorKind != "hardware" {
		t.Errorf("device1 = %+v, want hardware failure", failed)
	}
	ok := resultByKey(t, results, settings.Device2)
	if !ok.OK() || ok.Artifact == "" {
		t.Errorf("device2 = %+v, want stored artifact", ok)
	}
}

func TestRunBatchEmbedsRecognizedText(t *testing.T) {
	fx := newFixture(t, stubRecognizer{text: "004217.3"})

	op := settings.DefaultOperational()
	op.OCREnabled = true
	if err := fx.store.SetOperational(context.Background(), op); err != nil {
		t.Fatalf("SetOperational: %v", err)
	}

	results, err := fx.orch.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	r := resultByKey(t, results, settings.Device1)
	if r.Text != "004217.3" {
		t.Errorf("text = %q", r.Text)
	}

	data, err := fx.artifact.Read(r.Artifact)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	record, found, err := jpegmeta.Extract(data)
	if err != nil || !found {
		t.Fatalf("Extract: found=%v err=%v", found, err)
	}
	if record.Text != "004217.3" || record.DeviceID != "1" {
		t.Errorf("record = %+v", record)
	}
	if record.Timestamp != 1755600000 {
		t.Errorf("timestamp = %d", record.Timestamp)
	}
}

func TestRunBatchDegradesToUnknownOnRecognitionTimeout(t *testing.T) {
	timeout := services.Wrap(services.ErrTimeout, "ocr", "poll", "task not ready", nil)
	fx := newFixture(t, stubRecognizer{err: timeout})

	op := settings.DefaultOperational()
	op.OCREnabled = true
	if err := fx.store.SetOperational(context.Background(), op); err != nil {
		t.Fatalf("SetOperational: %v", err)
	}

	results, err := fx.orch.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	for _, r := range results {
		if !r.OK() {
			t.Errorf("%s failed: %v", r.DeviceKey, r.Err)
		}
		if r.Text != jpegmeta.UnknownText {
			t.Errorf("%s text = %q, want unknown sentinel", r.DeviceKey, r.Text)
		}
	}
}

func TestRunBatchDegradesOnRemoteRejection(t *testing.T) {
	fx := newFixture(t, stubRecognizer{err: &ocr.RemoteError{Code: "ERROR_ZERO_BALANCE"}})

	op := settings.DefaultOperational()
	op.OCREnabled = true
	if err := fx.store.SetOperational(context.Background(), op); err != nil {
		t.Fatalf("SetOperational: %v", err)
	}

	results, err := fx.orch.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	r := resultByKey(t, results, settings.Device1)
	if !r.OK() || r.Text != jpegmeta.UnknownText {
		t.Errorf("result = %+v, want stored artifact with unknown text", r)
	}
}

func TestRunBatchUploadsWhenEnabled(t *testing.T) {
	fx := newFixture(t, nil)

	op := settings.DefaultOperational()
	op.CopyToServer = true
	op.ServerPath = "https://collect.example.com/upload"
	if err := fx.store.SetOperational(context.Background(), op); err != nil {
		t.Fatalf("SetOperational: %v", err)
	}

	results, err := fx.orch.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	for _, r := range results {
		if !r.Uploaded {
			t.Errorf("%s not uploaded", r.DeviceKey)
		}
	}
	if len(fx.uploader.urls) != 2 || fx.uploader.urls[0] != op.ServerPath {
		t.Errorf("upload urls = %v", fx.uploader.urls)
	}

	sort.Strings(fx.uploader.names)
	want := []string{"1_1755600000_1.jpg", "2_1755600000_1.jpg"}
	for i, name := range want {
		if fx.uploader.names[i] != name {
			t.Errorf("upload name = %q, want %q", fx.uploader.names[i], name)
		}
	}
}

func TestRunBatchUploadFailureDoesNotFailDevice(t *testing.T) {
	fx := newFixture(t, nil)
	fx.uploader.err = errors.New("server unreachable")

	op := settings.DefaultOperational()
	op.CopyToServer = true
	op.ServerPath = "https://collect.example.com/upload"
	if err := fx.store.SetOperational(context.Background(), op); err != nil {
		t.Fatalf("SetOperational: %v", err)
	}

	results, err := fx.orch.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	for _, r := range results {
		if !r.OK() {
			t.Errorf("%s failed: %v", r.DeviceKey, r.Err)
		}
		if r.Uploaded {
			t.Errorf("%s reported uploaded despite failure", r.DeviceKey)
		}
	}
}

func TestAcquireReturnsWhenIdle(t *testing.T) {
	fx := newFixture(t, nil)

	done := make(chan struct{})
	go func() {
		fx.orch.Acquire()
		fx.orch.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire blocked with no batch in flight")
	}
}

func TestAcquireHoldsOffNewBatches(t *testing.T) {
	fx := newFixture(t, nil)

	fx.orch.Acquire()
	done := make(chan struct{})
	go func() {
		_, _ = fx.orch.RunBatch(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("batch ran while the suspend gate was held")
	case <-time.After(100 * time.Millisecond):
	}

	fx.orch.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never ran after the gate was released")
	}
}

type funcRecognizer func(ctx context.Context, image []byte) (string, error)

func (f funcRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}

// holdCamera delays the capture of one window until released.
type holdCamera struct {
	heldRect settings.Rect
	release  chan struct{}
}

func (c *holdCamera) Capture(_ context.Context, params camera.Params) (camera.Frame, error) {
	if params.Rect == c.heldRect {
		<-c.release
	}
	return stubFrame{data: testImage}, nil
}

func TestRecognitionOverlapsNextCapture(t *testing.T) {
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("settings.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	artifactStore, err := artifacts.NewStore(t.TempDir(), logging.NewNop())
	if err != nil {
		t.Fatalf("artifacts.NewStore: %v", err)
	}

	op := settings.DefaultOperational()
	op.OCREnabled = true
	if err := store.SetOperational(context.Background(), op); err != nil {
		t.Fatalf("SetOperational: %v", err)
	}
	second := settings.DeviceRegion{ID: "2", Rect: settings.Rect{X1: 16, Y1: 10, X2: 176, Y2: 90}}
	if err := store.SetDevice(context.Background(), settings.Device2, second); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	// Device 2's capture is held until device 1's recognition starts, so
	// the batch can only finish when recognition runs alongside the
	// remaining captures.
	cam := &holdCamera{heldRect: second.Rect, release: make(chan struct{})}
	var once sync.Once
	rec := funcRecognizer(func(context.Context, []byte) (string, error) {
		once.Do(func() { close(cam.release) })
		return "000123.4", nil
	})

	orch := New(Options{
		Settings:   store,
		Camera:     cam,
		Recognizer: rec,
		Artifacts:  artifactStore,
		Quality:    16,
		Logger:     logging.NewNop(),
	})

	done := make(chan []Result, 1)
	go func() {
		results, err := orch.RunBatch(context.Background())
		if err != nil {
			t.Errorf("RunBatch: %v", err)
		}
		done <- results
	}()

	select {
	case results := <-done:
		if len(results) != 2 {
			t.Fatalf("results = %d, want 2", len(results))
		}
		for _, r := range results {
			if !r.OK() {
				t.Errorf("%s failed: %v", r.DeviceKey, r.Err)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch stalled: recognition did not start until all captures finished")
	}
}
