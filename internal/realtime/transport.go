package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/ws"
)

// ErrClosedCleanly is returned by Conn.Read when the peer closed with a
// normal closure. The client does not reconnect after it.
var ErrClosedCleanly = errors.New("connection closed cleanly")

// Conn is one push transport.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, v any) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil, ErrClosedCleanly
	}
	return data, err
}

func (c *wsConn) Write(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.conn, v)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// decodeFrame returns the snapshot carried by a push frame, or nil for
// frames that carry none.
func decodeFrame(data []byte) (*job.Job, error) {
	var base ws.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch base.Type {
	case ws.TypeJobUpdate:
		var msg ws.JobUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode job update: %w", err)
		}
		return msg.Job, nil
	case ws.TypeError:
		var msg ws.ErrorMessage
		json.Unmarshal(data, &msg)
		return nil, fmt.Errorf("server: %s", msg.Message)
	}
	return nil, nil
}

// API is the HTTP side of the client: snapshot fetches and one-way actions.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

func (a *API) client() *http.Client {
	if a.HTTP != nil {
		return a.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (a *API) jobURL(id string, suffix string) string {
	return strings.TrimRight(a.BaseURL, "/") + "/api/analysis/" + url.PathEscape(id) + suffix
}

// PushURL maps the base URL onto the job's websocket endpoint.
func (a *API) PushURL(id string) (string, error) {
	u, err := url.Parse(strings.TrimRight(a.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws/analysis/" + url.PathEscape(id)
	return u.String(), nil
}

func (a *API) Fetch(ctx context.Context, id string) (*job.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.jobURL(id, ""), nil)
	if err != nil {
		return nil, err
	}
	var j job.Job
	if err := a.do(req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Cancel asks the server to cancel the job. The caller should wait for a
// snapshot showing the outcome.
func (a *API) Cancel(ctx context.Context, id string) error {
	return a.post(ctx, a.jobURL(id, "/cancel"))
}

func (a *API) Restart(ctx context.Context, id string) error {
	return a.post(ctx, a.jobURL(id, "/restart"))
}

func (a *API) Submit(ctx context.Context, id, instructions string, filePaths []string) (*job.Job, error) {
	body, err := json.Marshal(map[string]any{
		"job_id":       id,
		"instructions": instructions,
		"file_paths":   filePaths,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.BaseURL, "/")+"/api/analysis", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var j job.Job
	if err := a.do(req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (a *API) post(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	return a.do(req, nil)
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func (a *API) do(req *http.Request, out any) error {
	resp, err := a.client().Do(req)
	if err != nil {
		return &TransportError{Op: "http", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		json.Unmarshal(data, &body)
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
