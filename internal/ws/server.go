// Package ws is the push side of the job channel: a websocket connection
// manager that relays broadcaster snapshots to clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zerverless/analysisd/internal/broadcast"
	"github.com/zerverless/analysisd/internal/logging"
)

type Options struct {
	// HeartbeatTimeout closes a connection that sends nothing for this long.
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	OriginPatterns   []string
}

func (o *Options) defaults() {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if len(o.OriginPatterns) == 0 {
		o.OriginPatterns = []string{"*"}
	}
}

type client struct {
	id     string
	conn   *websocket.Conn
	ch     *broadcast.Channel
	cancel context.CancelFunc
}

// Server owns every push connection. It accepts connections only between
// Start and Stop.
type Server struct {
	b    *broadcast.Broadcaster
	opts Options

	connsMu sync.RWMutex
	conns   map[string]*client
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewServer(b *broadcast.Broadcaster, opts Options) *Server {
	opts.defaults()
	return &Server{
		b:     b,
		opts:  opts,
		conns: make(map[string]*client),
	}
}

func (s *Server) Start(ctx context.Context) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	log.Info().Msg("push channel started")
}

// Stop closes every connection with StatusGoingAway and waits for their
// goroutines to exit.
func (s *Server) Stop() {
	s.connsMu.Lock()
	if !s.running {
		s.connsMu.Unlock()
		return
	}
	s.running = false
	clients := make([]*client, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.connsMu.Unlock()

	var closing sync.WaitGroup
	for _, c := range clients {
		closing.Add(1)
		go func(c *client) {
			defer closing.Done()
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}(c)
	}
	closing.Wait()
	s.cancel()
	s.wg.Wait()
	log.Info().Int("closed", len(clients)).Msg("push channel stopped")
}

func (s *Server) Connections() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// HandleJob serves /ws/analysis/{id}: the connection is joined to that job
// on accept and may join or leave others afterwards.
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, chi.URLParam(r, "id"))
}

// HandleStream serves a connection that joins jobs explicitly.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "")
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, jobID string) {
	s.connsMu.Lock()
	if !s.running {
		s.connsMu.Unlock()
		http.Error(w, "push channel not running", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	base := s.ctx
	s.connsMu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept")
		return
	}

	ctx, cancel := context.WithCancel(base)
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		ch:     broadcast.NewChannel(""),
		cancel: cancel,
	}
	c.ch.ID = c.id

	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()
	logger := logging.ForComponent("push").With().Str("conn", c.id).Logger()
	logger.Debug().Str("remote", r.RemoteAddr).Msg("push connection opened")

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, c.id)
		s.connsMu.Unlock()
		s.b.Drop(c.ch)
		c.ch.Close()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		logger.Debug().Msg("push connection closed")
	}()

	if jobID != "" {
		if err := s.b.Subscribe(c.ch, jobID); err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("subscribe")
			s.write(ctx, conn, ErrorMessage{Type: TypeError, Message: "could not load job"})
			return
		}
	}

	go s.writeLoop(ctx, c)
	s.readLoop(ctx, c)
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ch.Ready():
			for _, j := range c.ch.Drain() {
				msg := JobUpdateMessage{Type: TypeJobUpdate, JobID: j.ID, Job: j}
				if err := s.write(ctx, c.conn, msg); err != nil {
					log.Debug().Err(err).Str("conn", c.id).Msg("push write failed")
					c.cancel()
					return
				}
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.opts.HeartbeatTimeout)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Debug().Err(err).Str("conn", c.id).Msg("push read ended")
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.write(ctx, c.conn, ErrorMessage{Type: TypeError, Message: "invalid message format"})
			continue
		}

		switch msg.Type {
		case TypeJoin:
			var join JoinMessage
			if err := json.Unmarshal(data, &join); err != nil || join.JobID == "" {
				s.write(ctx, c.conn, ErrorMessage{Type: TypeError, Message: "join requires job_id"})
				continue
			}
			if err := s.b.Subscribe(c.ch, join.JobID); err != nil {
				s.write(ctx, c.conn, ErrorMessage{Type: TypeError, Message: "could not load job"})
			}

		case TypeLeave:
			var leave LeaveMessage
			if err := json.Unmarshal(data, &leave); err != nil || leave.JobID == "" {
				s.write(ctx, c.conn, ErrorMessage{Type: TypeError, Message: "leave requires job_id"})
				continue
			}
			s.b.Unsubscribe(c.ch, leave.JobID)

		case TypeHeartbeat:
			s.write(ctx, c.conn, HeartbeatAckMessage{Type: TypeHeartbeatAck, Timestamp: time.Now().UTC()})

		default:
			s.write(ctx, c.conn, ErrorMessage{Type: TypeError, Message: "unknown message type: " + msg.Type})
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
