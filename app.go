package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"zswflasher/internal/artifacts"
	"zswflasher/internal/config"
	"zswflasher/internal/dfu"
	"zswflasher/internal/events"
	"zswflasher/internal/firmware"
	"zswflasher/internal/session"
	"zswflasher/internal/smp"
	"zswflasher/internal/transport"
)

// eventPrefix namespaces forwarded session events in the frontend.
const eventPrefix = "zsw:"

// App struct
type App struct {
	ctx       context.Context
	cfg       *config.Config
	session   *session.Session
	artifacts *artifacts.Client
	log       zerolog.Logger
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config, sess *session.Session) *App {
	return &App{
		cfg:       cfg,
		session:   sess,
		artifacts: artifacts.New(cfg.Artifacts),
		log:       log.Logger.With().Str("component", "app").Logger(),
	}
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.session.Subscribe(a.forward)
}

// shutdown drops the link before the window goes away.
func (a *App) shutdown(ctx context.Context) {
	if err := a.session.Close(); err != nil {
		a.log.Warn().Err(err).Msg("disconnect on shutdown failed")
	}
}

// forward passes a session event to the frontend and mirrors the important
// ones into the progress bar and log pane.
func (a *App) forward(ev events.Event) {
	runtime.EventsEmit(a.ctx, eventPrefix+string(ev.Kind), ev.Payload)

	switch p := ev.Payload.(type) {
	case events.Progress:
		if ev.Kind == events.UploadProgress {
			a.emitProgress(p.Percent, fmt.Sprintf("%s: %d%% (%.1f KB/s)", firmware.ImageName(p.Image), p.Percent, p.Speed/1024))
		} else {
			a.emitProgress(p.Percent, fmt.Sprintf("Filesystem: %d%%", p.Percent))
		}
	case events.Upload:
		switch ev.Kind {
		case events.UploadStarted:
			a.emitLog(fmt.Sprintf("Uploading %s to slot %d", p.Name, p.Slot))
		case events.UploadFinished:
			a.emitLog(fmt.Sprintf("Uploaded %s", p.Name))
		case events.UploadFailed, events.FSUploadFailed:
			a.emitLog(fmt.Sprintf("Upload of %s failed: %s", p.Name, p.Error))
		case events.FSUploadFinished:
			a.emitLog("Filesystem image written")
		}
	case events.Link:
		switch ev.Kind {
		case events.Connected:
			a.emitLog(fmt.Sprintf("Connected to %s over %s", p.Name, p.Transport))
		case events.Disconnected:
			a.emitLog("Disconnected")
		}
	case events.Settle:
		if ev.Kind == events.SettleStarted {
			a.emitLog(fmt.Sprintf("Waiting %s for the net core to load its image", p.Duration))
		}
	case events.Result:
		if p.Error != "" {
			a.emitLog("Update stopped: " + p.Error)
		} else {
			a.emitProgress(100, "Update finished")
		}
	}
	if ev.Kind == events.ModeDetected {
		a.emitLog(fmt.Sprintf("Device is in %v mode", ev.Payload))
	}
}

// emitProgress sends upload progress to the frontend
func (a *App) emitProgress(progress int, message string) {
	runtime.EventsEmit(a.ctx, "flash-progress", map[string]interface{}{
		"progress": progress,
		"message":  message,
	})
}

// emitLog sends a log line to the frontend
func (a *App) emitLog(message string) {
	runtime.EventsEmit(a.ctx, "flash-log", message)
}

// ListPorts returns the serial ports
func (a *App) ListPorts() ([]string, error) {
	return transport.ListPorts()
}

// ChooseFile opens a firmware file dialog
func (a *App) ChooseFile() (string, error) {
	return runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Choose firmware",
		Filters: []runtime.FileFilter{
			{
				DisplayName: "Firmware Files (*.bin, *.zip)",
				Pattern:     "*.bin;*.zip",
			},
		},
	})
}

// SetTransport selects "ble" or "serial"
func (a *App) SetTransport(kind string) error {
	k, err := transport.ParseKind(kind)
	if err != nil {
		return err
	}
	return a.session.SetTransport(k)
}

// Connect connects to a watch; target is a port or BLE name, "" for the default
func (a *App) Connect(target string) (*session.Connection, error) {
	a.emitLog(fmt.Sprintf("Connecting over %s...", a.session.Transport()))
	if err := a.session.Connect(a.ctx, target); err != nil {
		a.emitLog(fmt.Sprintf("Connect failed: %v", err))
		return nil, err
	}
	return a.session.Connection(), nil
}

// Disconnect closes the link
func (a *App) Disconnect() error {
	return a.session.Disconnect()
}

// Connection returns the current link, nil when disconnected
func (a *App) Connection() *session.Connection {
	return a.session.Connection()
}

// Mode returns the detected device mode
func (a *App) Mode() string {
	return a.session.Mode().String()
}

// SetChunkTimeout overrides the request timeout in milliseconds
func (a *App) SetChunkTimeout(ms int) error {
	return a.session.SetChunkTimeout(time.Duration(ms) * time.Millisecond)
}

// Images queries the slot list from the device
func (a *App) Images() ([]smp.ImageSlot, error) {
	return a.session.ImageState(a.ctx)
}

// AddFile stages a .bin or .zip from disk
func (a *App) AddFile(path string) ([]firmware.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	list, err := a.session.StageFile(filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	a.emitLog(fmt.Sprintf("Added %s (%d bytes)", filepath.Base(path), len(data)))
	return list, nil
}

// AddImage stages a .bin from disk for an explicit image number
func (a *App) AddImage(path string, image int) ([]firmware.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	return a.session.StageImage(image, filepath.Base(path), data)
}

// Candidates lists the staged images
func (a *App) Candidates() []firmware.Candidate {
	return a.session.Candidates()
}

// RemoveCandidate unstages an image number
func (a *App) RemoveCandidate(image int) (bool, error) {
	return a.session.RemoveCandidate(image)
}

// ClearCandidates unstages everything
func (a *App) ClearCandidates() error {
	return a.session.ClearCandidates()
}

// StartUpload uploads the staged images
func (a *App) StartUpload() error {
	a.emitProgress(0, "Starting upload...")
	return a.session.StartUpload(a.ctx)
}

// Continue skips the net core settle delay
func (a *App) Continue() bool {
	return a.session.Continue()
}

// RespondConfirmation answers the confirmation prompt
func (a *App) RespondConfirmation(accept bool) error {
	return a.session.RespondConfirmation(accept)
}

// Test marks an image for a test boot
func (a *App) Test(hash string) ([]smp.ImageSlot, error) {
	return a.session.Test(a.ctx, hash)
}

// Confirm makes an image permanent; "" confirms the running image
func (a *App) Confirm(hash string) ([]smp.ImageSlot, error) {
	return a.session.Confirm(a.ctx, hash)
}

// Erase erases a slot; a negative slot lets the device choose
func (a *App) Erase(slot int) ([]smp.ImageSlot, error) {
	if slot < 0 {
		return a.session.Erase(a.ctx, nil)
	}
	return a.session.Erase(a.ctx, &slot)
}

// Reset reboots the watch
func (a *App) Reset() error {
	a.emitLog("Resetting device...")
	return a.session.Reset(a.ctx)
}

// Echo round-trips a message
func (a *App) Echo(message string) (string, error) {
	return a.session.Echo(a.ctx, message)
}

// TaskStats returns task statistics
func (a *App) TaskStats() (map[string]smp.TaskStat, error) {
	return a.session.TaskStats(a.ctx)
}

// MPStats returns memory pool statistics
func (a *App) MPStats() (map[string]smp.MemPool, error) {
	return a.session.MPStats(a.ctx)
}

// Shell runs a shell command line
func (a *App) Shell(line string) (session.ShellResult, error) {
	return a.session.ShellExec(a.ctx, strings.Fields(line))
}

// UploadFileSystem writes a filesystem image from disk
func (a *App) UploadFileSystem(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read filesystem image: %w", err)
	}
	if mode := a.session.Mode(); !mode.SupportsFileSystem() {
		return fmt.Errorf("%w: %s", dfu.ErrUnsupportedInMode, mode)
	}
	go func() {
		if err := a.session.UploadFileSystem(a.ctx, data); err != nil {
			a.log.Error().Err(err).Msg("filesystem upload failed")
		}
	}()
	return nil
}

// ListFirmware lists prebuilt firmware from CI
func (a *App) ListFirmware() ([]artifacts.Firmware, error) {
	return a.artifacts.List(a.ctx)
}

// StageFirmware downloads a CI artifact and stages its images. Without a
// token the artifact page opens in the browser instead.
func (a *App) StageFirmware(runID, artifactID int64) ([]firmware.Candidate, error) {
	if a.cfg.Artifacts.Token == "" {
		url := a.artifacts.DownloadURL(runID, artifactID)
		runtime.BrowserOpenURL(a.ctx, url)
		a.emitLog("Download the artifact in the browser, unzip it and add dfu_application.zip")
		return nil, artifacts.ErrTokenRequired
	}

	a.emitLog(fmt.Sprintf("Downloading artifact %d...", artifactID))
	data, err := a.artifacts.Download(a.ctx, artifactID)
	if err != nil {
		return nil, err
	}
	update, err := artifacts.ExtractUpdate(data)
	if err != nil {
		return nil, err
	}
	return a.session.StageFile(artifacts.UpdateArchive, update)
}
