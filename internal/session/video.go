package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/bryanchriswhite/ScreenWire/internal/compositor"
	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/encoder"
	"github.com/bryanchriswhite/ScreenWire/internal/frame"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
	"github.com/bryanchriswhite/ScreenWire/internal/surface"
)

// VideoSession drives one capture pipeline end to end. The encoder backend
// decides the variant (hardware-style H.264 or per-frame JPEG); everything
// else is shared.
type VideoSession struct {
	kind    string
	cfg     *config.Config
	comp    compositor.Compositor
	backend encoder.Backend

	surface *surface.Surface
	queue   *frame.Queue

	mu        sync.Mutex
	destroyed bool
}

func newVideoSession(kind string, comp compositor.Compositor, backend encoder.Backend, cfg *config.Config) *VideoSession {
	return &VideoSession{kind: kind, cfg: cfg, comp: comp, backend: backend}
}

// initialize walks the setup chain in order: display parameters, encoder
// configuration, virtual display, projection bind, encoder start. It stops
// at the first failure; the caller destroys the session, which unwinds
// whatever subset of the chain completed.
func (s *VideoSession) initialize() error {
	s.surface = surface.New(s.comp, s.backend, s.cfg.Video.Width, s.cfg.Video.Height)

	if err := s.surface.FetchDisplayParameters(); err != nil {
		return err
	}

	width, height := s.surface.VideoSize()
	format := encoder.Format{
		Width:     width,
		Height:    height,
		Framerate: s.cfg.Video.Framerate,
		Bitrate:   s.cfg.Video.Bitrate,
	}
	if err := s.backend.Configure(format); err != nil {
		return fmt.Errorf("failed to configure encoder: %w", err)
	}

	if err := s.surface.CreateVirtualDisplay(); err != nil {
		return err
	}
	if err := s.surface.PrepareVirtualDisplay(); err != nil {
		return err
	}

	s.backend.SetOrientationCheck(s.surface.CheckOrientation)

	s.queue = frame.NewQueue(true)
	if err := s.backend.Start(s.queue); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	logger.WithComponent("session").Info().
		Str("kind", s.kind).
		Int("width", width).
		Int("height", height).
		Msg("Session running")
	return nil
}

// Kind returns the capability prefix the session was opened under.
func (s *VideoSession) Kind() string { return s.kind }

// SupportsRead reports true; capture sessions produce frames.
func (s *VideoSession) SupportsRead() bool { return true }

// SupportsWrite reports false; capture sessions accept no input.
func (s *VideoSession) SupportsWrite() bool { return false }

// Read blocks for the next delivery from the frame queue. After Destroy it
// returns io.EOF.
func (s *VideoSession) Read() ([]frame.Item, error) {
	s.mu.Lock()
	queue := s.queue
	destroyed := s.destroyed
	s.mu.Unlock()

	if destroyed || queue == nil {
		return nil, io.EOF
	}
	return queue.Read()
}

// Destroy tears the pipeline down in fixed order: stop and join the
// encoder's goroutine, disconnect the capture surface, release the encoder,
// close the frame queue so blocked readers return end of stream, and drop
// the compositor connection. Safe after a partial initialize. Idempotent.
func (s *VideoSession) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	log := logger.WithComponent("session")

	s.backend.Stop()
	if s.surface != nil {
		s.surface.Destroy()
	}
	if err := s.backend.Release(); err != nil {
		log.Warn().Err(err).Msg("Failed to release encoder")
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if err := s.comp.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close compositor")
	}

	log.Info().Str("kind", s.kind).Msg("Session destroyed")
}
