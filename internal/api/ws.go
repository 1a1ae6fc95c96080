package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextfaang/mentor/internal/conversation"
	"github.com/nextfaang/mentor/internal/rules"
	"github.com/nextfaang/mentor/internal/session"
	"github.com/nextfaang/mentor/internal/speech"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
)

// Frame types sent by the widget.
const (
	FrameSubmit        = "submit"
	FrameListenStart   = "listen_start"
	FrameListenStop    = "listen_stop"
	FrameSpeakStop     = "speak_stop"
	FrameCaptureResult = "capture_result"
	FrameCaptureError  = "capture_error"
	FrameCaptureEnd    = "capture_end"
	FramePlaybackStart = "playback_start"
	FramePlaybackEnd   = "playback_end"
	FramePlaybackError = "playback_error"
)

// Frame types sent by the server.
const (
	FrameHistory      = "history"
	FrameReply        = "reply"
	FrameState        = "state"
	FrameNotice       = "notice"
	FrameError        = "error"
	FrameCaptureStart = "capture_start"
	FrameCaptureStop  = "capture_stop"
	FrameSpeak        = "speak"
	FrameSpeakCancel  = "speak_cancel"
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type    string              `json:"type"`
	ID      uint64              `json:"id,omitempty"`
	Text    string              `json:"text,omitempty"`
	Error   string              `json:"error,omitempty"`
	Kind    string              `json:"kind,omitempty"`
	Intent  string              `json:"intent,omitempty"`
	State   string              `json:"state,omitempty"`
	History []conversation.Turn `json:"history,omitempty"`
}

// wsConn adapts a widget socket to the speech collaborators: the
// browser performs capture and playback, the server only issues
// commands. Writes are serialized; gorilla allows one concurrent writer.
type wsConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

func (c *wsConn) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		c.logger.Debug("websocket write failed", "type", f.Type, "error", err)
		return err
	}
	return nil
}

// Start implements speech.Capture.
func (c *wsConn) Start(h uint64) error { return c.send(Frame{Type: FrameCaptureStart, ID: h}) }

// Stop implements speech.Capture.
func (c *wsConn) Stop(h uint64) { _ = c.send(Frame{Type: FrameCaptureStop, ID: h}) }

// Speak implements speech.Playback.
func (c *wsConn) Speak(h uint64, text string) error {
	return c.send(Frame{Type: FrameSpeak, ID: h, Text: text})
}

// Cancel implements speech.Playback.
func (c *wsConn) Cancel(h uint64) { _ = c.send(Frame{Type: FrameSpeakCancel, ID: h}) }

func (c *wsConn) sendReply(r session.Reply, hist []conversation.Turn, err error) {
	if err != nil {
		_ = c.send(Frame{Type: FrameError, Error: err.Error()})
		return
	}
	_ = c.send(Frame{
		Type:    FrameReply,
		Kind:    r.Kind,
		Text:    r.Text,
		Intent:  r.Intent,
		History: hist,
	})
}

func (c *wsConn) sendState(st speech.State) {
	_ = c.send(Frame{Type: FrameState, State: st.String()})
}

func (c *wsConn) sendNotice(msg string) {
	_ = c.send(Frame{Type: FrameNotice, Text: msg})
}

// handleWS opens one widget session for the lifetime of the socket.
// Voice is on when the server enables it, unless the widget connects
// with ?voice=off.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.track(conn)
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{conn: conn, logger: s.logger}

	doc := s.loadRules(ctx)
	voice := s.cfg.Voice && r.URL.Query().Get("voice") != "off"

	sess, err := session.New(session.Config{
		Rules:    doc,
		Gateway:  s.cfg.Gateway,
		Greeting: s.cfg.Greeting,
		Voice:    voice,
		Capture:  c,
		Playback: c,
		OnReply:  c.sendReply,
		OnState:  c.sendState,
		OnNotice: c.sendNotice,
		Bus:      s.cfg.Bus,
		Logger:   s.logger,
	})
	if err != nil {
		s.logger.Error("session creation failed", "error", err)
		_ = c.send(Frame{Type: FrameError, Error: "could not open session"})
		return
	}
	c.logger = s.logger.With("session_id", sess.ID())

	var inflight sync.WaitGroup
	defer func() {
		sess.Close()
		inflight.Wait()
	}()

	_ = c.send(Frame{Type: FrameHistory, History: sess.History()})
	_ = c.send(Frame{Type: FrameState, State: sess.SpeechState().String()})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket closed by client")
			} else {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		s.dispatch(ctx, sess, c, &inflight, f)
	}
}

func (s *Server) loadRules(ctx context.Context) rules.Document {
	if s.cfg.Rules == nil {
		return rules.Document{}
	}
	return s.cfg.Rules.Load(ctx)
}

// dispatch handles one widget frame. Submissions run off the read loop
// so capture and playback events keep flowing while the backend works.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, c *wsConn, inflight *sync.WaitGroup, f Frame) {
	co := sess.Speech()

	switch f.Type {
	case FrameSubmit:
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			reply, hist, err := sess.Submit(ctx, f.Text)
			if errors.Is(err, session.ErrClosed) {
				return
			}
			c.sendReply(reply, hist, err)
		}()
	case FrameListenStart:
		sess.StartListening()
	case FrameListenStop:
		sess.StopListening()
	case FrameSpeakStop:
		sess.StopSpeaking()
	case FrameCaptureResult:
		co.CaptureResult(f.ID, f.Text)
	case FrameCaptureError:
		co.CaptureError(f.ID, errors.New(f.Error))
	case FrameCaptureEnd:
		co.CaptureEnded(f.ID)
	case FramePlaybackStart:
		co.PlaybackStarted(f.ID)
	case FramePlaybackEnd:
		co.PlaybackEnded(f.ID)
	case FramePlaybackError:
		co.PlaybackFailed(f.ID, errors.New(f.Error))
	default:
		c.logger.Debug("unhandled websocket frame", "type", f.Type)
		_ = c.send(Frame{Type: FrameError, Error: "unknown frame type " + f.Type})
	}
}
