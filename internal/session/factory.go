package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bryanchriswhite/ScreenWire/internal/compositor"
	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/encoder"
	"github.com/tinyzimmer/go-gst/gst"
)

// platformInit runs process-wide library setup exactly once, no matter how
// many sessions are opened.
var platformInit sync.Once

// capability is the session variant a path resolves to.
type capability struct {
	kind       string
	newBackend func() encoder.Backend
}

// resolveCapability maps a capability path to its session variant. Audio
// and input paths are recognized but reserved; they resolve to nothing.
func resolveCapability(path string) (capability, error) {
	if strings.HasPrefix(path, "/video/") {
		rest := strings.TrimPrefix(path, "/video/")
		switch {
		case strings.HasPrefix(rest, "h264/"):
			return capability{
				kind: "video/h264",
				newBackend: func() encoder.Backend {
					return encoder.NewH264Backend(encoder.NewX264Codec())
				},
			}, nil
		case strings.HasPrefix(rest, "jpeg/"):
			return capability{
				kind:       "video/jpeg",
				newBackend: func() encoder.Backend { return encoder.NewJPEGBackend() },
			}, nil
		}
		return capability{}, fmt.Errorf("unknown video capability: %q", path)
	}
	if strings.HasPrefix(path, "/audio/") || strings.HasPrefix(path, "/input/") {
		return capability{}, fmt.Errorf("capability %q is reserved", path)
	}
	return capability{}, fmt.Errorf("unknown capability path: %q", path)
}

// Open resolves path to a session variant, connects a compositor backend,
// and initializes the capture pipeline. Unrecognized and reserved paths,
// and any initialization failure, yield no session.
func Open(path string, cfg *config.Config) (Session, error) {
	c, err := resolveCapability(path)
	if err != nil {
		return nil, err
	}

	platformInit.Do(func() { gst.Init(nil) })

	comp, err := compositor.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open compositor: %w", err)
	}

	sess := newVideoSession(c.kind, comp, c.newBackend(), cfg)
	if err := sess.initialize(); err != nil {
		sess.Destroy()
		return nil, fmt.Errorf("failed to initialize %s session: %w", c.kind, err)
	}
	return sess, nil
}
