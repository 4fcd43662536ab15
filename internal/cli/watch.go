package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/protocol"
)

func newWatchCommand() *cobra.Command {
	var addr string
	var role string

	cmd := &cobra.Command{
		Use:   "watch [session-id...]",
		Short: "Follow live session activity",
		Long: `Connect to a running livedesk as a dashboard observer and print session
events as they happen. Session ids given as arguments are joined so their
messages are shown too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := dialWatcher(addr, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.subscribe(domain.ClientRole(role), args); err != nil {
				return err
			}
			fmt.Fprintf(w.out, "Watching %s as %s. Press Ctrl+C to stop.\n", addr, role)

			done := make(chan error, 1)
			go func() { done <- w.readEvents() }()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)

			select {
			case <-interrupt:
				fmt.Fprintln(w.out, "\nInterrupted")
				w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			case err := <-done:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8080/ws", "WebSocket server address")
	cmd.Flags().StringVar(&role, "role", string(domain.ClientRoleDashboard), "Client role to register as (agent or dashboard)")
	return cmd
}

// watcher is a minimal realtime client.
type watcher struct {
	conn *websocket.Conn
	out  io.Writer
	now  func() time.Time
}

func dialWatcher(addr string, out io.Writer) (*watcher, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &watcher{conn: conn, out: out, now: time.Now}, nil
}

func (w *watcher) Close() error {
	return w.conn.Close()
}

func (w *watcher) send(eventType, requestID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return w.conn.WriteJSON(protocol.Inbound{Type: eventType, RequestID: requestID, Data: raw})
}

// subscribe registers the role and joins each session, failing on the first
// rejected request.
func (w *watcher) subscribe(role domain.ClientRole, sessions []string) error {
	if err := w.send(protocol.TypeRegisterClient, "register", protocol.RegisterClientData{Type: role}); err != nil {
		return fmt.Errorf("write register-client: %w", err)
	}
	if err := w.awaitAck("register"); err != nil {
		return fmt.Errorf("register failed: %w", err)
	}

	for i, id := range sessions {
		requestID := fmt.Sprintf("join-%d", i)
		if err := w.send(protocol.TypeJoinSession, requestID, protocol.SessionRefData{SessionID: id}); err != nil {
			return fmt.Errorf("write join-session: %w", err)
		}
		if err := w.awaitAck(requestID); err != nil {
			return fmt.Errorf("join %s failed: %w", id, err)
		}
	}
	return nil
}

type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Ts        int64           `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

func (w *watcher) awaitAck(requestID string) error {
	for {
		var f inboundFrame
		if err := w.conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type != protocol.TypeAck || f.RequestID != requestID {
			w.print(&f)
			continue
		}
		var ack protocol.AckData
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			return err
		}
		if !ack.Success {
			if ack.Error != nil {
				return fmt.Errorf("%s - %s", ack.Error.Code, ack.Error.Message)
			}
			return fmt.Errorf("request rejected")
		}
		return nil
	}
}

func (w *watcher) readEvents() error {
	for {
		var f inboundFrame
		if err := w.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		w.print(&f)
	}
}

// print renders one event as a single line.
func (w *watcher) print(f *inboundFrame) {
	at := time.UnixMilli(f.Ts).Format("15:04:05")
	fmt.Fprintf(w.out, "[%s] %-16s %s\n", at, f.Type, w.describe(f))
}

func (w *watcher) describe(f *inboundFrame) string {
	switch f.Type {
	case protocol.TypeNewChatSession, protocol.TypeSessionUpdated:
		var s domain.Session
		if json.Unmarshal(f.Data, &s) == nil {
			return w.describeSession(&s)
		}
	case protocol.TypeAgentJoined, protocol.TypeAgentLeft:
		var a protocol.AgentData
		if json.Unmarshal(f.Data, &a) == nil {
			return fmt.Sprintf("%s agent=%s (%s)", a.SessionID, a.AgentID, a.AgentName)
		}
	case protocol.TypeSessionClosed:
		var c protocol.SessionClosedData
		if json.Unmarshal(f.Data, &c) == nil && c.Session != nil {
			return w.describeSession(c.Session)
		}
	case protocol.TypeNewMessage:
		var m domain.Message
		if json.Unmarshal(f.Data, &m) == nil {
			return fmt.Sprintf("%s #%d %s: %s", m.SessionID, m.Seq, m.Sender, m.Message)
		}
	case protocol.TypeError:
		var e protocol.ErrorBody
		if json.Unmarshal(f.Data, &e) == nil {
			return fmt.Sprintf("%s - %s", e.Code, e.Message)
		}
	}
	return string(f.Data)
}

func (w *watcher) describeSession(s *domain.Session) string {
	line := fmt.Sprintf("%s [%s] user=%q", s.ID, s.Status, s.UserName)
	if s.AgentID != "" {
		line += fmt.Sprintf(" agent=%s", s.AgentID)
	}
	line += fmt.Sprintf(" opened %s", humanize.RelTime(s.CreatedAt, w.now(), "ago", "from now"))
	if s.Status == domain.SessionStatusClosed {
		line += fmt.Sprintf(", lasted %s", strings.TrimSpace(humanize.RelTime(s.CreatedAt, s.UpdatedAt, "", "")))
	}
	return line
}
