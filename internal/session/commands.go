package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zswflasher/internal/dfu"
	"zswflasher/internal/events"
	"zswflasher/internal/firmware"
	"zswflasher/internal/mcumgr"
	"zswflasher/internal/smp"
)

// ShellResult is the outcome of a shell command. A command that got no
// answer in time reports TimedOut instead of an error.
type ShellResult struct {
	Output   string `json:"output"`
	Ret      int    `json:"ret"`
	TimedOut bool   `json:"timed_out"`
}

// ImageState queries the slot list. The first answer of a connection
// decides the device mode.
func (s *Session) ImageState(ctx context.Context) ([]smp.ImageSlot, error) {
	client, _, _, err := s.connected()
	if err != nil {
		return nil, err
	}
	images, err := client.ImageState(ctx)
	if err != nil {
		return nil, fmt.Errorf("image state: %w", err)
	}
	s.applyImages(client, images)
	return images, nil
}

// confirmable returns the client when the device mode supports test and
// confirm.
func (s *Session) confirmable() (*mcumgr.Client, error) {
	client, _, mode, err := s.connected()
	if err != nil {
		return nil, err
	}
	if !mode.SupportsConfirm() {
		return nil, fmt.Errorf("%w: %s", dfu.ErrUnsupportedInMode, mode)
	}
	return client, nil
}

// Test marks the image with the given hex hash for a one-shot test boot.
func (s *Session) Test(ctx context.Context, hash string) ([]smp.ImageSlot, error) {
	client, err := s.confirmable()
	if err != nil {
		return nil, err
	}
	b, err := firmware.HashBytes(hash)
	if err != nil {
		return nil, err
	}
	images, err := client.ImageTest(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("test image: %w", err)
	}
	s.applyImages(client, images)
	return images, nil
}

// Confirm makes the image with the given hex hash permanent. An empty hash
// confirms the running image.
func (s *Session) Confirm(ctx context.Context, hash string) ([]smp.ImageSlot, error) {
	client, err := s.confirmable()
	if err != nil {
		return nil, err
	}
	var b []byte
	if strings.TrimSpace(hash) != "" {
		if b, err = firmware.HashBytes(hash); err != nil {
			return nil, err
		}
	}
	images, err := client.ImageConfirm(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("confirm image: %w", err)
	}
	s.applyImages(client, images)
	return images, nil
}

// Erase erases a slot; nil lets the device pick the inactive one.
func (s *Session) Erase(ctx context.Context, slot *int) ([]smp.ImageSlot, error) {
	client, err := s.confirmable()
	if err != nil {
		return nil, err
	}
	if err := client.ImageErase(ctx, slot); err != nil {
		return nil, fmt.Errorf("erase slot: %w", err)
	}
	return s.ImageState(ctx)
}

// Reset reboots the device. A missing answer counts as success.
func (s *Session) Reset(ctx context.Context) error {
	client, _, _, err := s.connected()
	if err != nil {
		return err
	}
	return dfu.ResetDevice(ctx, client)
}

// Echo round-trips msg through the device.
func (s *Session) Echo(ctx context.Context, msg string) (string, error) {
	client, _, _, err := s.connected()
	if err != nil {
		return "", err
	}
	return client.Echo(ctx, msg)
}

// TaskStats reads the device task statistics.
func (s *Session) TaskStats(ctx context.Context) (map[string]smp.TaskStat, error) {
	client, _, _, err := s.connected()
	if err != nil {
		return nil, err
	}
	return client.TaskStats(ctx)
}

// MPStats reads the device memory pool statistics.
func (s *Session) MPStats(ctx context.Context) (map[string]smp.MemPool, error) {
	client, _, _, err := s.connected()
	if err != nil {
		return nil, err
	}
	return client.MPStats(ctx)
}

// ShellExec runs a shell command line. Output goes to the caller and to
// every shell listener.
func (s *Session) ShellExec(ctx context.Context, argv []string) (ShellResult, error) {
	client, _, _, err := s.connected()
	if err != nil {
		return ShellResult{}, err
	}
	if len(argv) == 0 {
		return ShellResult{}, errors.New("empty shell command")
	}
	line := strings.Join(argv, " ")

	cctx, cancel := context.WithTimeout(ctx, s.shellTimeout)
	defer cancel()

	out, ret, err := client.ShellExec(cctx, argv)
	switch {
	case err == nil:
	case mcumgr.IsTimeout(err), errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.log.Warn().Str("command", line).Msg("shell command timed out")
		s.bus.Publish(events.ShellOutput, events.ShellLine{Command: line, Output: "command timed out", TimedOut: true})
		return ShellResult{TimedOut: true}, nil
	default:
		return ShellResult{}, fmt.Errorf("shell %q: %w", line, err)
	}

	s.bus.Publish(events.ShellOutput, events.ShellLine{Command: line, Output: out, Ret: ret})
	return ShellResult{Output: out, Ret: ret}, nil
}

// OnShellOutput registers fn for shell output and returns its remover.
func (s *Session) OnShellOutput(fn func(events.ShellLine)) (remove func()) {
	return s.bus.Subscribe(func(ev events.Event) {
		if line, ok := ev.Payload.(events.ShellLine); ok && ev.Kind == events.ShellOutput {
			fn(line)
		}
	})
}

// UploadFileSystem writes a filesystem image to the device. It blocks until
// the transfer ends and shares the transfer machine with image uploads.
func (s *Session) UploadFileSystem(ctx context.Context, data []byte) error {
	client, t, mode, err := s.connected()
	if err != nil {
		return err
	}
	if !mode.SupportsFileSystem() {
		return fmt.Errorf("%w: filesystem upload needs application mode, device is in %s", dfu.ErrUnsupportedInMode, mode)
	}
	if s.uploading() {
		return dfu.ErrBusy
	}

	s.log.Info().Str("path", s.fsPath).Int("size", len(data)).Msg("filesystem upload started")
	err = s.orch.Transfer().UploadFile(ctx, client, s.fsPath, data, t.MTU(), func(p events.Progress) {
		s.bus.Publish(events.FSUploadProgress, p)
	})
	if err != nil {
		s.bus.Publish(events.FSUploadFailed, events.Upload{Name: s.fsPath, Error: err.Error()})
		s.log.Error().Err(err).Msg("filesystem upload failed")
		return fmt.Errorf("filesystem upload: %w", err)
	}
	s.bus.Publish(events.FSUploadFinished, events.Upload{Name: s.fsPath})
	s.log.Info().Msg("filesystem upload finished")
	return nil
}
