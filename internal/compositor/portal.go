package compositor

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/ScreenWire/internal/logger"
)

// Portal D-Bus constants.
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
)

// SelectSources options.
const (
	sourceTypeMonitor  = 1 << 0
	cursorModeEmbedded = 1 << 1
	persistModeSession = 2
)

// screenCast drives the xdg-desktop-portal ScreenCast interface. A
// successful Start leaves it holding the PipeWire node to read frames from.
type screenCast struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath
	nodeID        uint32
	streamSize    image.Point
	restoreToken  string
	tokenPath     string
}

// openScreenCast connects the session bus and loads any saved restore token
// so a previously granted share can resume without a dialog.
func openScreenCast() (*screenCast, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}

	s := &screenCast{
		conn:      conn,
		tokenPath: filepath.Join(configDir, "screenwire", "portal_token"),
	}
	s.loadRestoreToken()
	return s, nil
}

// Start runs the portal handshake: CreateSession, SelectSources, Start. The
// user may be shown a consent dialog during the middle step.
func (s *screenCast) Start() error {
	log := logger.WithComponent("portal")

	pid := os.Getpid()
	results, err := s.request("CreateSession", 30*time.Second, map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(fmt.Sprintf("screenwire%d", pid)),
		"session_handle_token": dbus.MakeVariant(fmt.Sprintf("session%d", pid)),
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	sessionHandle, err := sessionHandleFromResults(results)
	if err != nil {
		return err
	}
	s.sessionHandle = sessionHandle
	log.Debug().Str("session", string(sessionHandle)).Msg("Created portal session")

	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(fmt.Sprintf("select%d", pid)),
		"types":        dbus.MakeVariant(uint32(sourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(cursorModeEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(persistModeSession)),
	}
	if s.restoreToken != "" {
		options["restore_token"] = dbus.MakeVariant(s.restoreToken)
		log.Debug().Msg("Using saved restore token")
	}
	if _, err := s.request("SelectSources", 60*time.Second, s.sessionHandle, options); err != nil {
		return fmt.Errorf("failed to select sources: %w", err)
	}

	results, err = s.request("Start", 30*time.Second, s.sessionHandle, "", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(fmt.Sprintf("start%d", pid)),
	})
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok {
			s.restoreToken = token
			s.saveRestoreToken()
			log.Debug().Msg("Saved restore token for future sessions")
		}
	}

	nodeID, size, err := parseStreams(results)
	if err != nil {
		return err
	}
	s.nodeID = nodeID
	s.streamSize = size

	log.Info().
		Uint32("node_id", nodeID).
		Int("width", size.X).
		Int("height", size.Y).
		Msg("Screen cast started")
	return nil
}

// Close ends the portal session and the bus connection.
func (s *screenCast) Close() error {
	if s.sessionHandle != "" {
		s.conn.Object(portalService, s.sessionHandle).Call(
			"org.freedesktop.portal.Session.Close", 0,
		)
	}
	return s.conn.Close()
}

// request issues one ScreenCast method and waits for the matching Response
// signal. The signal subscription is set up before the call so a fast
// responder cannot race the listener.
func (s *screenCast) request(method string, timeout time.Duration, args ...interface{}) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")
	obj := s.conn.Object(portalService, portalPath)

	responseChan := make(chan *dbus.Signal, 10)
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	s.conn.Signal(responseChan)
	defer s.conn.RemoveSignal(responseChan)

	var requestPath dbus.ObjectPath
	if err := obj.Call(screenCastIface+"."+method, 0, args...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	log.Info().
		Str("request_path", string(requestPath)).
		Str("method", method).
		Msg("Waiting for portal response (a dialog may appear)")

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-responseChan:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 2 {
				return nil, fmt.Errorf("malformed %s response", method)
			}
			code, _ := sig.Body[0].(uint32)
			if code != 0 {
				return nil, fmt.Errorf("%s denied (code %d)", method, code)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

func sessionHandleFromResults(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	handle, ok := results["session_handle"]
	if !ok {
		return "", errors.New("no session handle in response")
	}
	switch v := handle.Value().(type) {
	case dbus.ObjectPath:
		return v, nil
	case string:
		return dbus.ObjectPath(v), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", v)
	}
}

// parseStreams digs the first stream's node id and size out of the Start
// results. The wire type is a(ua{sv}); godbus surfaces it in more than one
// Go shape depending on version.
func parseStreams(results map[string]dbus.Variant) (uint32, image.Point, error) {
	streams, ok := results["streams"]
	if !ok {
		return 0, image.Point{}, errors.New("no streams in response")
	}

	var first []interface{}
	switch v := streams.Value().(type) {
	case [][]interface{}:
		if len(v) > 0 {
			first = v[0]
		}
	case []interface{}:
		if len(v) > 0 {
			first, _ = v[0].([]interface{})
		}
	}
	if len(first) == 0 {
		return 0, image.Point{}, fmt.Errorf("unknown streams format: %T", streams.Value())
	}

	nodeID, ok := first[0].(uint32)
	if !ok {
		return 0, image.Point{}, fmt.Errorf("unexpected node id type: %T", first[0])
	}

	var size image.Point
	if len(first) > 1 {
		if props, ok := first[1].(map[string]dbus.Variant); ok {
			if v, ok := props["size"]; ok {
				size = pointFromVariant(v)
			}
		}
	}
	return nodeID, size, nil
}

func pointFromVariant(v dbus.Variant) image.Point {
	fields, ok := v.Value().([]interface{})
	if !ok || len(fields) != 2 {
		return image.Point{}
	}
	return image.Pt(intFromAny(fields[0]), intFromAny(fields[1]))
}

func intFromAny(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case uint32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}

func (s *screenCast) loadRestoreToken() {
	data, err := os.ReadFile(s.tokenPath)
	if err != nil {
		return
	}

	var token struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return
	}
	s.restoreToken = token.Token
}

func (s *screenCast) saveRestoreToken() {
	if s.restoreToken == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.tokenPath), 0755); err != nil {
		return
	}

	token := struct {
		Token string `json:"token"`
	}{Token: s.restoreToken}

	data, err := json.Marshal(token)
	if err != nil {
		return
	}
	os.WriteFile(s.tokenPath, data, 0600)
}
