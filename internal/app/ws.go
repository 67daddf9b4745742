package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tandem/sync/internal/autosave"
	"tandem/sync/internal/change"
	"tandem/sync/internal/collab"
	"tandem/sync/internal/presence"
	"tandem/sync/internal/transport"
	"tandem/sync/internal/util"
)

const (
	// writeWait bounds every socket write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent client stays connected.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second
	// maxFrameBytes caps inbound frames; edit frames carry whole documents.
	maxFrameBytes = 1 << 20
	// sendQueueSize is the per-connection outbound buffer. A client that
	// falls this far behind is disconnected.
	sendQueueSize = 256
)

// inboundFrame is every client-to-gateway message. Type selects which of the
// remaining fields matter.
type inboundFrame struct {
	Type string `json:"type"`

	// edit
	Content string `json:"content"`
	Caret   int    `json:"caret"`

	// op
	Op *operationFrame `json:"op"`

	// cursor
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// selection
	Start int `json:"start"`
	End   int `json:"end"`

	// visibility
	Visible bool `json:"visible"`
}

type operationFrame struct {
	Type     string         `json:"type"`
	Position int            `json:"position"`
	Content  string         `json:"content"`
	Length   int            `json:"length"`
	Metadata map[string]any `json:"metadata"`
}

func marshalFrame(typ string, fields map[string]any) ([]byte, error) {
	msg := map[string]any{"type": typ}
	for k, v := range fields {
		msg[k] = v
	}
	return json.Marshal(msg)
}

// parseMode resolves the mode query parameter. Empty selects the editor
// surface.
func parseMode(raw string) (collab.Mode, error) {
	switch collab.Mode(raw) {
	case "":
		return collab.ModeEditor, nil
	case collab.ModeEditor, collab.ModeViewer:
		return collab.Mode(raw), nil
	default:
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "mode must be editor or viewer", nil)
	}
}

// handleDocumentSocket upgrades the request and runs one session for the
// life of the connection. Authentication and mode validation happen before
// the upgrade so failures still get a proper HTTP status.
func (s *HTTPServer) handleDocumentSocket(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]

	ident, err := s.service.Authenticate(r)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	mode, err := parseMode(r.URL.Query().Get("mode"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Printf("app: upgrade for %s: %v", documentID, err)
		return
	}

	tr := s.service.Transport(ident.UserID)
	openCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	sess, err := s.service.OpenSession(openCtx, documentID, ident, mode, tr)
	cancel()
	if err != nil {
		log.Printf("app: open session on %s for %s: %v", documentID, ident.UserID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		tr.Close()
		return
	}

	c := &wsConn{
		id:   util.NewID("conn"),
		conn: conn,
		sess: sess,
		tr:   tr,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		slow: make(chan struct{}),
	}

	log.Printf(`{"conn_id":"%s","document_id":"%s","user_id":"%s","session_id":"%s","event":"connected"}`,
		c.id, documentID, ident.UserID, sess.ID())

	c.subscribe()
	if err := c.sendSnapshot(); err != nil {
		log.Printf("app: conn %s send snapshot: %v", c.id, err)
		c.teardown()
		return
	}
	go c.writePump()
	c.readPump()
	c.teardown()

	log.Printf(`{"conn_id":"%s","document_id":"%s","user_id":"%s","event":"disconnected"}`,
		c.id, documentID, ident.UserID)
}

// wsConn couples one WebSocket to one session. The read pump feeds client
// frames into the session; session callbacks feed the write pump. Teardown
// closes the session and its transport, which announces the departure.
type wsConn struct {
	id   string
	conn *websocket.Conn
	sess *collab.Session
	tr   transport.Transport

	send chan []byte
	done chan struct{}
	slow chan struct{}

	slowOnce  sync.Once
	closeOnce sync.Once
}

func (c *wsConn) subscribe() {
	c.sess.OnPresence(func(ev presence.Event) {
		c.push("presence", map[string]any{
			"event":       string(ev.Type),
			"participant": ev.Participant,
		})
	})
	c.sess.OnCursor(func(userID string, cur *presence.Cursor, sel *presence.Selection) {
		fields := map[string]any{"userId": userID}
		if cur != nil {
			fields["cursor"] = cur
		}
		if sel != nil {
			fields["selection"] = sel
		}
		c.push("cursor", fields)
	})
	c.sess.OnRemoteChange(func(op change.Operation, version uint64) {
		c.push("change", map[string]any{"op": op, "version": version})
	})
	c.sess.OnSaveState(func(st autosave.State, err error) {
		fields := map[string]any{"state": string(st)}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.push("save_state", fields)
	})
	c.sess.OnConnectionState(func(st transport.State) {
		c.push("connection", map[string]any{"state": string(st)})
	})
}

// sendSnapshot writes the initial document state directly, before the write
// pump starts. Change frames already queued behind it carry versions at or
// below the snapshot's; the version field lets the client drop those.
func (c *wsConn) sendSnapshot() error {
	content, version := c.sess.Snapshot()
	data, err := marshalFrame("snapshot", map[string]any{
		"content":      content,
		"version":      version,
		"participants": c.sess.Participants(),
		"userId":       c.sess.UserID(),
	})
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) push(typ string, fields map[string]any) {
	data, err := marshalFrame(typ, fields)
	if err != nil {
		log.Printf("app: marshal %s frame: %v", typ, err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.slowOnce.Do(func() {
			log.Printf("app: conn %s not keeping up, disconnecting", c.id)
			close(c.slow)
		})
	}
}

func (c *wsConn) readPump() {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("app: conn %s read: %v", c.id, err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *wsConn) dispatch(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("app: conn %s dropping malformed frame: %v", c.id, err)
		return
	}

	switch f.Type {
	case "edit":
		c.sess.Edit(f.Content, f.Caret)
	case "op":
		if f.Op != nil {
			c.applyOp(*f.Op)
		}
	case "cursor":
		c.sess.ReportCursor(presence.Cursor{X: f.X, Y: f.Y})
	case "selection":
		c.sess.ReportSelection(presence.Selection{Start: f.Start, End: f.End})
	case "activity":
		c.sess.Activity()
	case "visibility":
		c.sess.SetVisibility(f.Visible)
	case "save":
		// The save may take a while; its outcome arrives as save_state
		// frames, so the read pump does not wait for it.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = c.sess.SaveNow(ctx)
		}()
	default:
		log.Printf("app: conn %s unknown frame type %q", c.id, f.Type)
	}
}

func (c *wsConn) applyOp(op operationFrame) {
	switch change.Type(op.Type) {
	case change.Insert:
		c.sess.Insert(op.Position, op.Content)
	case change.Delete:
		length := op.Length
		if length == 0 {
			length = len([]rune(op.Content))
		}
		c.sess.Delete(op.Position, length)
	case change.Replace:
		c.sess.Replace(op.Position, op.Length, op.Content)
	case change.Format:
		c.sess.Format(op.Position, op.Length, op.Metadata)
	default:
		log.Printf("app: conn %s unknown operation type %q", c.id, op.Type)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.slow:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client not keeping up"))
			return
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsConn) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.sess.Close(); err != nil {
			log.Printf("app: conn %s close session: %v", c.id, err)
		}
		if err := c.tr.Close(); err != nil {
			log.Printf("app: conn %s close transport: %v", c.id, err)
		}
		c.conn.Close()
	})
}
