package session

import (
	"context"
	"fmt"

	"zswflasher/internal/dfu"
	"zswflasher/internal/events"
	"zswflasher/internal/firmware"
)

// StageFile stages a firmware file. A zip archive stages every image it
// holds; a .bin file must have a known name. Use StageImage for others.
func (s *Session) StageFile(name string, data []byte) ([]firmware.Candidate, error) {
	if firmware.IsZip(name, data) {
		cs, err := firmware.ParseZip(data)
		if err != nil {
			return nil, err
		}
		return s.stage(cs...)
	}

	image, ok := firmware.ImageForFile(name)
	if !ok {
		return nil, &firmware.ValidationError{File: name, Reason: "unknown image file name, choose the image number manually"}
	}
	return s.StageImage(image, name, data)
}

// StageImage stages a .bin file for an explicit image number.
func (s *Session) StageImage(image int, name string, data []byte) ([]firmware.Candidate, error) {
	c, err := firmware.NewCandidate(name, image, data)
	if err != nil {
		return nil, err
	}
	return s.stage(c)
}

func (s *Session) stage(cs ...*firmware.Candidate) ([]firmware.Candidate, error) {
	if s.uploading() {
		return nil, dfu.ErrBusy
	}
	for _, c := range cs {
		if old := s.queue.Add(c); old != nil {
			s.log.Info().Str("file", c.Name).Str("replaced", old.Name).Int("image", c.Image).Msg("candidate replaced")
		} else {
			s.log.Info().Str("file", c.Name).Int("image", c.Image).Str("version", c.Version).Msg("candidate staged")
		}
	}
	list := s.queue.List()
	s.bus.Publish(events.CandidatesChanged, list)
	return list, nil
}

// Candidates returns the staged images in upload order.
func (s *Session) Candidates() []firmware.Candidate {
	return s.queue.List()
}

// RemoveCandidate unstages the image for an image number.
func (s *Session) RemoveCandidate(image int) (bool, error) {
	if s.uploading() {
		return false, dfu.ErrBusy
	}
	ok := s.queue.Remove(image)
	if ok {
		s.bus.Publish(events.CandidatesChanged, s.queue.List())
	}
	return ok, nil
}

// ClearCandidates unstages everything.
func (s *Session) ClearCandidates() error {
	if s.uploading() {
		return dfu.ErrBusy
	}
	s.queue.Clear()
	s.bus.Publish(events.CandidatesChanged, s.queue.List())
	return nil
}

func (s *Session) uploading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadCancel != nil
}

// StartUpload uploads the staged images in the background. Progress,
// settle and confirmation events follow on the bus; RunFinished ends the
// run. The run stops when the link drops or Disconnect is called.
func (s *Session) StartUpload(ctx context.Context) error {
	client, t, mode, err := s.connected()
	if err != nil {
		return err
	}
	if _, unknown := mode.(dfu.Unknown); unknown {
		return fmt.Errorf("%w: device mode not detected yet", dfu.ErrUnsupportedInMode)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pending := 0
	for _, c := range s.queue.List() {
		if !c.Uploaded {
			pending++
		}
	}
	if pending == 0 {
		return dfu.ErrNothingToUpload
	}

	s.mu.Lock()
	if s.uploadCancel != nil {
		s.mu.Unlock()
		return dfu.ErrBusy
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.uploadCancel = cancel
	s.uploadDone = done
	s.mu.Unlock()

	s.log.Info().Stringer("mode", mode).Int("images", pending).Msg("upload run started")

	go func() {
		defer close(done)
		defer cancel()

		err := s.orch.Run(runCtx, client, mode, t.MTU())

		s.mu.Lock()
		s.uploadCancel = nil
		s.mu.Unlock()

		result := events.Result{}
		if err != nil {
			result.Error = err.Error()
			s.log.Error().Err(err).Msg("upload run ended")
		} else {
			s.log.Info().Msg("upload run finished")
		}
		s.bus.Publish(events.RunFinished, result)
	}()
	return nil
}

// waitUpload blocks until a background run has returned.
func (s *Session) waitUpload() {
	s.mu.Lock()
	done := s.uploadDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Continue ends a running net core settle delay early.
func (s *Session) Continue() bool {
	return s.orch.Continue()
}

// Settling reports whether the settle delay is running.
func (s *Session) Settling() bool {
	return s.orch.Settling()
}

// AwaitingConfirmation reports whether the run waits for RespondConfirmation.
func (s *Session) AwaitingConfirmation() bool {
	return s.orch.AwaitingConfirmation()
}

// RespondConfirmation answers the ConfirmationNeeded event. In application
// mode accepting confirms every uploaded image and resets; in recovery it
// only resets. Declining leaves the device untouched.
func (s *Session) RespondConfirmation(accept bool) error {
	return s.orch.Respond(accept)
}
