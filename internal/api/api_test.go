package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"zswflasher/internal/artifacts"
	"zswflasher/internal/config"
	"zswflasher/internal/devicesim"
	"zswflasher/internal/dfu"
	"zswflasher/internal/firmware"
	"zswflasher/internal/firmware/firmwaretest"
	"zswflasher/internal/mcumgr"
	"zswflasher/internal/session"
	"zswflasher/internal/smp"
	"zswflasher/internal/transport"
)

type fakeSource struct {
	fws      []artifacts.Firmware
	download []byte
	err      error
}

func (f *fakeSource) List(context.Context) ([]artifacts.Firmware, error) { return f.fws, f.err }

func (f *fakeSource) DownloadURL(runID, artifactID int64) string {
	return fmt.Sprintf("https://example.test/runs/%d/artifacts/%d", runID, artifactID)
}

func (f *fakeSource) Download(context.Context, int64) ([]byte, error) { return f.download, f.err }

func newTestServer(t *testing.T, dev *devicesim.Device, opts ...Option) *httptest.Server {
	t.Helper()
	nop := zerolog.Nop()
	factory := func(kind transport.Kind) (transport.Transport, error) {
		return devicesim.NewTransport(dev, kind, transport.PipeConfig{MTU: 256, ChunkTimeout: time.Second, Logger: &nop}), nil
	}
	sess := session.New(factory, session.WithLogger(nop), session.WithTransport(transport.KindSerial))
	t.Cleanup(func() { _ = sess.Close() })

	cfg := config.Default()
	srv := NewServer(cfg, sess, append([]Option{WithLogger(nop)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, url, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	out := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func postFile(t *testing.T, url, name string, data []byte, fields map[string]string) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, _ := mw.CreateFormFile("file", name)
	fw.Write(data)
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

type wsEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitEvent(t *testing.T, conn *websocket.Conn, kind string) wsEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if ev.Kind == kind {
			return ev
		}
	}
}

func image(major uint8, fill byte) []byte {
	data, _ := firmwaretest.Build(firmwaretest.Image{Major: major, PayloadSize: 1200, Fill: fill})
	return data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, devicesim.New(devicesim.WithLogger(zerolog.Nop())))
	status, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/health", nil)
	if status != http.StatusOK || string(body["status"]) != `"healthy"` {
		t.Errorf("health = %d %v", status, body)
	}
}

func TestConnectAndCommands(t *testing.T) {
	ts := newTestServer(t, devicesim.New(devicesim.WithLogger(zerolog.Nop())))
	api := ts.URL + "/api/v1"

	if status, _ := doJSON(t, http.MethodPost, api+"/os/echo", map[string]string{"message": "x"}); status != http.StatusConflict {
		t.Errorf("echo while disconnected = %d, want 409", status)
	}
	if status, _ := doJSON(t, http.MethodPut, api+"/transport", map[string]string{"kind": "usb"}); status != http.StatusBadRequest {
		t.Errorf("bad transport = %d, want 400", status)
	}

	status, body := doJSON(t, http.MethodPost, api+"/connection", map[string]string{"transport": "serial"})
	if status != http.StatusOK || string(body["mode"]) != `"application"` {
		t.Fatalf("connect = %d %v", status, body)
	}
	if status, _ := doJSON(t, http.MethodPut, api+"/transport", map[string]string{"kind": "ble"}); status != http.StatusConflict {
		t.Errorf("transport change while connected = %d, want 409", status)
	}

	status, body = doJSON(t, http.MethodPost, api+"/os/echo", map[string]string{"message": "hello"})
	if status != http.StatusOK || string(body["message"]) != `"hello"` {
		t.Errorf("echo = %d %v", status, body)
	}
	if status, body := doJSON(t, http.MethodGet, api+"/os/tasks", nil); status != http.StatusOK || len(body["tasks"]) == 0 {
		t.Errorf("tasks = %d %v", status, body)
	}
	status, body = doJSON(t, http.MethodPost, api+"/shell", map[string][]string{"argv": {"echo", "hi"}})
	if status != http.StatusOK || string(body["output"]) != `"hi\n"` {
		t.Errorf("shell = %d %v", status, body)
	}
	if status, _ := doJSON(t, http.MethodPost, api+"/shell", map[string][]string{"argv": {}}); status != http.StatusBadRequest {
		t.Errorf("empty shell = %d, want 400", status)
	}

	status, body = doJSON(t, http.MethodGet, api+"/images?refresh=true", nil)
	var images []map[string]any
	_ = json.Unmarshal(body["images"], &images)
	if status != http.StatusOK || len(images) != 1 {
		t.Errorf("images = %d %v", status, body)
	}

	if status, _ := doJSON(t, http.MethodPost, api+"/images/confirm", map[string]string{"hash": "zz"}); status != http.StatusBadRequest {
		t.Errorf("confirm bad hash = %d, want 400", status)
	}
	if status, _ := doJSON(t, http.MethodPut, api+"/chunk-timeout", map[string]int{"ms": 1500}); status != http.StatusOK {
		t.Errorf("chunk timeout = %d", status)
	}

	if status, _ := doJSON(t, http.MethodDelete, api+"/connection", nil); status != http.StatusNoContent {
		t.Errorf("disconnect = %d", status)
	}
	status, body = doJSON(t, http.MethodGet, api+"/connection", nil)
	if status != http.StatusOK || string(body["connection"]) != "null" {
		t.Errorf("connection after disconnect = %v", body)
	}
}

func TestRecoveryRejectsConfirm(t *testing.T) {
	ts := newTestServer(t, devicesim.New(devicesim.WithLogger(zerolog.Nop()), devicesim.WithRecovery()))
	api := ts.URL + "/api/v1"

	if status, _ := doJSON(t, http.MethodPost, api+"/connection", nil); status != http.StatusOK {
		t.Fatalf("connect = %d", status)
	}
	if status, _ := doJSON(t, http.MethodPost, api+"/images/test", map[string]string{"hash": "ab"}); status != http.StatusUnprocessableEntity {
		t.Errorf("test in recovery = %d, want 422", status)
	}
	if status, _ := postFile(t, api+"/fs", "fs.bin", []byte{1, 2, 3}, nil); status != http.StatusUnprocessableEntity {
		t.Errorf("fs upload in recovery = %d, want 422", status)
	}
}

func TestUploadFlowWithEvents(t *testing.T) {
	dev := devicesim.New(devicesim.WithLogger(zerolog.Nop()))
	ts := newTestServer(t, dev)
	api := ts.URL + "/api/v1"
	conn := dialEvents(t, ts)

	if status, _ := doJSON(t, http.MethodPost, api+"/connection", nil); status != http.StatusOK {
		t.Fatalf("connect = %d", status)
	}
	waitEvent(t, conn, "connected")
	ev := waitEvent(t, conn, "mode_detected")
	if string(ev.Payload) != `"application"` {
		t.Errorf("mode_detected payload = %s", ev.Payload)
	}

	if status, _ := postFile(t, api+"/candidates", "custom.bin", image(2, 1), nil); status != http.StatusBadRequest {
		t.Errorf("unknown name = %d, want 400", status)
	}
	status, body := postFile(t, api+"/candidates", "custom.bin", image(2, 1), map[string]string{"image": "0"})
	if status != http.StatusCreated {
		t.Fatalf("stage = %d %v", status, body)
	}
	waitEvent(t, conn, "candidates_changed")

	if status, _ := doJSON(t, http.MethodPost, api+"/upload/confirmation", map[string]bool{"accept": true}); status != http.StatusConflict {
		t.Errorf("confirmation before run = %d, want 409", status)
	}
	if status, _ := doJSON(t, http.MethodPost, api+"/upload", nil); status != http.StatusAccepted {
		t.Fatalf("start upload = %d", status)
	}
	waitEvent(t, conn, "upload_progress")
	waitEvent(t, conn, "confirmation_needed")

	_, body = doJSON(t, http.MethodGet, api+"/upload", nil)
	if string(body["awaiting_confirmation"]) != "true" {
		t.Errorf("upload status = %v", body)
	}
	if status, _ := doJSON(t, http.MethodPost, api+"/upload/confirmation", map[string]bool{"accept": true}); status != http.StatusNoContent {
		t.Fatalf("confirmation = %d", status)
	}

	ev = waitEvent(t, conn, "run_finished")
	if string(ev.Payload) != "{}" {
		t.Errorf("run_finished payload = %s", ev.Payload)
	}
	waitEvent(t, conn, "disconnected")
	if dev.Resets() != 1 {
		t.Errorf("resets = %d, want 1", dev.Resets())
	}
}

func TestCandidates(t *testing.T) {
	ts := newTestServer(t, devicesim.New(devicesim.WithLogger(zerolog.Nop())))
	api := ts.URL + "/api/v1"

	if status, _ := postFile(t, api+"/candidates", "ipc_radio.bin", image(1, 1), nil); status != http.StatusCreated {
		t.Fatalf("stage = %d", status)
	}
	if status, _ := doJSON(t, http.MethodDelete, api+"/candidates/0", nil); status != http.StatusNotFound {
		t.Errorf("remove missing = %d, want 404", status)
	}
	if status, _ := doJSON(t, http.MethodDelete, api+"/candidates/abc", nil); status != http.StatusBadRequest {
		t.Errorf("remove bad image = %d, want 400", status)
	}
	if status, _ := doJSON(t, http.MethodDelete, api+"/candidates/1", nil); status != http.StatusNoContent {
		t.Errorf("remove = %d, want 204", status)
	}
	_, body := doJSON(t, http.MethodGet, api+"/candidates", nil)
	if string(body["candidates"]) != "[]" {
		t.Errorf("candidates = %s", body["candidates"])
	}
	if status, _ := doJSON(t, http.MethodPost, api+"/upload/continue", nil); status != http.StatusConflict {
		t.Errorf("continue without settle = %d, want 409", status)
	}
}

func TestFirmware(t *testing.T) {
	var inner bytes.Buffer
	zw := zip.NewWriter(&inner)
	w, _ := zw.Create("app.internal.bin")
	w.Write(image(3, 7))
	zw.Close()

	var outer bytes.Buffer
	zw = zip.NewWriter(&outer)
	w, _ = zw.Create(artifacts.UpdateArchive)
	w.Write(inner.Bytes())
	zw.Close()

	src := &fakeSource{
		fws: []artifacts.Firmware{{
			Branch: "main", RunID: 7,
			Artifacts: []artifacts.Artifact{{ID: 70, Name: "zswatch@5"}},
		}},
		download: outer.Bytes(),
	}
	ts := newTestServer(t, devicesim.New(devicesim.WithLogger(zerolog.Nop())), WithFirmwareSource(src))
	api := ts.URL + "/api/v1"

	status, body := doJSON(t, http.MethodGet, api+"/firmware", nil)
	if status != http.StatusOK || !strings.Contains(string(body["firmware"]), "https://example.test/runs/7/artifacts/70") {
		t.Errorf("firmware = %d %s", status, body["firmware"])
	}

	status, body = doJSON(t, http.MethodPost, api+"/firmware/70/stage", nil)
	if status != http.StatusCreated || !strings.Contains(string(body["candidates"]), `"version":"3.0.0"`) {
		t.Errorf("stage firmware = %d %s", status, body["candidates"])
	}

	src.err = artifacts.ErrTokenRequired
	if status, _ := doJSON(t, http.MethodPost, api+"/firmware/70/stage", nil); status != http.StatusUnauthorized {
		t.Errorf("stage without token = %d, want 401", status)
	}
}

func TestFirmwareNotConfigured(t *testing.T) {
	ts := newTestServer(t, devicesim.New(devicesim.WithLogger(zerolog.Nop())))
	if status, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/firmware", nil); status != http.StatusServiceUnavailable {
		t.Errorf("firmware = %d, want 503", status)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&firmware.ValidationError{Reason: "bad"}, http.StatusBadRequest},
		{dfu.ErrNothingToUpload, http.StatusBadRequest},
		{session.ErrNotConnected, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", dfu.ErrBusy), http.StatusConflict},
		{dfu.ErrUnsupportedInMode, http.StatusUnprocessableEntity},
		{&mcumgr.TimeoutError{Group: smp.GroupImage}, http.StatusGatewayTimeout},
		{&transport.ConnectionError{Kind: transport.KindBLE, Op: "link", Err: errors.New("gone")}, http.StatusBadGateway},
		{&smp.ProtocolError{RC: smp.RCCorrupt}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
