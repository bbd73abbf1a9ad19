package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sgd/backend/internal/queue"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

func (s *Server) upgrader() websocket.Upgrader {
	allowed := make(map[string]bool, len(s.Config.CORS.AllowOrigins))
	for _, o := range s.Config.CORS.AllowOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if !s.Config.IsProduction() {
				return true
			}
			return allowed["*"] || allowed[r.Header.Get("Origin")]
		},
	}
}

// wsMessage is one status frame on the job stream.
type wsMessage struct {
	JobID      string  `json:"job_id"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	PreviewURL string  `json:"preview_url,omitempty"`
	URL        string  `json:"url,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
}

func wsFrame(env jobResponse) wsMessage {
	return wsMessage{
		JobID:      env.JobID,
		Status:     env.Status,
		Progress:   env.Progress,
		PreviewURL: env.PreviewURL,
		URL:        env.URL,
		Error:      env.Error,
		ErrorKind:  env.ErrorKind,
	}
}

// handleJobSocket streams job state transitions until the job reaches a
// terminal state or the client goes away. The write pump owns all writes to
// the connection; the read pump only detects disconnects.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadOrgJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events := make(chan queue.Event, 16)
	unsub, err := s.Queue.Subscribe(context.Background(), job.ID, func(ev queue.Event) {
		select {
		case events <- ev:
		default: // slow client; the next poll frame carries the state anyway
		}
	})
	if err != nil {
		s.logger.Printf("job subscribe failed: %v", err)
		return
	}
	defer unsub()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(1024)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeFrame := func(msg wsMessage) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}

	// Current state first, so late subscribers never miss the outcome.
	if err := writeFrame(wsFrame(jobEnvelope(job))); err != nil {
		return
	}
	if job.State.Terminal() {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-events:
			// Events carry only the transition; fetch the full record so
			// terminal frames include the result URL.
			current, err := s.Queue.Status(r.Context(), job.ID)
			if err != nil {
				return
			}
			if err := writeFrame(wsFrame(jobEnvelope(current))); err != nil {
				return
			}
			if ev.State.Terminal() {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.State)))
				return
			}
		}
	}
}
