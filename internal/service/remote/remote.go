// Package remote is a substrate backed by a relay. Entries downloaded from
// the relay are kept in memory as this device's local replica.
package remote

import (
	"bytes"
	"context"
	"convlog/internal/model"
	"convlog/internal/repository/substrate"
	"convlog/internal/utils/log"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const eventBuffer = 64

type replica struct {
	entries    [][]byte
	lastRemote *int
}

type Client struct {
	base   url.URL
	http   *http.Client
	dialer *websocket.Dialer

	mu   sync.Mutex
	logs map[string]*replica
}

var _ substrate.Substrate = (*Client)(nil)

// New parses relayURL ("http://host:port" or "https://...").
func New(relayURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path},
		http:   &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
		logs:   make(map[string]*replica),
	}, nil
}

func (c *Client) endpoint(id, op string, query url.Values) string {
	u := c.base
	u.Path = fmt.Sprintf("%s/logs/%s/%s", u.Path, url.PathEscape(id), op)
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) Join(ctx context.Context, conversationID string, logPublicKey []byte) error {
	var resp struct{}
	if err := c.do(ctx, http.MethodPost, c.endpoint(conversationID, "join", nil), model.JoinRequest{LogKey: logPublicKey}, &resp); err != nil {
		return fmt.Errorf("join %s: %w", conversationID, err)
	}

	c.mu.Lock()
	if _, ok := c.logs[conversationID]; !ok {
		c.logs[conversationID] = &replica{}
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) Append(ctx context.Context, conversationID string, entry []byte) (int, error) {
	if _, err := c.replica(conversationID); err != nil {
		return 0, err
	}

	var resp model.AppendResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint(conversationID, "entries", nil), model.AppendRequest{Entry: entry}, &resp); err != nil {
		return 0, fmt.Errorf("append %s: %w", conversationID, err)
	}

	c.mu.Lock()
	r := c.logs[conversationID]
	if len(r.entries) == resp.Index {
		r.entries = append(r.entries, bytes.Clone(entry))
	}
	c.mu.Unlock()
	return resp.Index, nil
}

// ReadRange serves [from, to) from the local replica, first downloading
// whatever part of it is missing.
func (c *Client) ReadRange(ctx context.Context, conversationID string, from, to int) ([][]byte, error) {
	if from < 0 || to < from {
		return nil, fmt.Errorf("read %s: bad range [%d, %d)", conversationID, from, to)
	}
	r, err := c.replica(conversationID)
	if err != nil {
		return nil, err
	}

	// The relay answers at most a page per request.
	for {
		c.mu.Lock()
		local := len(r.entries)
		c.mu.Unlock()
		if to <= local {
			break
		}

		q := url.Values{"from": {strconv.Itoa(local)}, "to": {strconv.Itoa(to)}}
		var resp model.EntriesResponse
		if err := c.do(ctx, http.MethodGet, c.endpoint(conversationID, "entries", q), nil, &resp); err != nil {
			return nil, fmt.Errorf("read %s: %w", conversationID, err)
		}
		if len(resp.Entries) == 0 {
			break
		}
		c.mu.Lock()
		// Another reader may have extended the replica meanwhile.
		if skip := len(r.entries) - local; skip < len(resp.Entries) {
			r.entries = append(r.entries, resp.Entries[skip:]...)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if to > len(r.entries) {
		to = len(r.entries)
	}
	if from > to {
		from = to
	}
	out := make([][]byte, 0, to-from)
	for _, e := range r.entries[from:to] {
		out = append(out, bytes.Clone(e))
	}
	return out, nil
}

// CurrentLength asks the relay for the remote length. When the relay is
// unreachable it reports the last length it saw.
func (c *Client) CurrentLength(ctx context.Context, conversationID string) (int, *int, error) {
	r, err := c.replica(conversationID)
	if err != nil {
		return 0, nil, err
	}

	var resp model.LengthResponse
	err = c.do(ctx, http.MethodGet, c.endpoint(conversationID, "length", nil), nil, &resp)

	c.mu.Lock()
	defer c.mu.Unlock()
	local := len(r.entries)
	switch {
	case err == nil:
		r.lastRemote = model.IntPtr(resp.Length)
		return local, model.IntPtr(resp.Length), nil
	case errors.Is(err, substrate.ErrOffline):
		return local, r.lastRemote, nil
	default:
		return 0, nil, fmt.Errorf("length %s: %w", conversationID, err)
	}
}

func (c *Client) Subscribe(ctx context.Context, conversationID string) (substrate.Subscription, error) {
	r, err := c.replica(conversationID)
	if err != nil {
		return nil, err
	}

	u := c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("%s/logs/%s/subscribe", u.Path, url.PathEscape(conversationID))

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %w", conversationID, substrate.ErrOffline, err)
	}

	sub := &subscription{conn: conn, ch: make(chan model.LengthChanged, eventBuffer), done: make(chan struct{})}
	go sub.listen(func(ev model.LengthChanged) model.LengthChanged {
		c.mu.Lock()
		defer c.mu.Unlock()
		ev.Local = len(r.entries)
		if ev.Remote != nil {
			r.lastRemote = model.IntPtr(*ev.Remote)
		}
		return ev
	})
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (c *Client) replica(conversationID string) (*replica, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.logs[conversationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversationID, substrate.ErrNotJoined)
	}
	return r, nil
}

// do sends body as JSON and decodes the JSON reply into out. Transport
// failures are substrate.ErrOffline.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", substrate.ErrOffline, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return substrate.ErrNotJoined
	case resp.StatusCode == http.StatusForbidden:
		return substrate.ErrKeyMismatch
	case resp.StatusCode >= 300:
		var e model.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("relay: %s: %s", resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type subscription struct {
	conn *websocket.Conn
	ch   chan model.LengthChanged
	done chan struct{}
	once sync.Once
}

func (s *subscription) Events() <-chan model.LengthChanged { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *subscription) listen(rewrite func(model.LengthChanged) model.LengthChanged) {
	defer close(s.ch)
	for {
		var ev model.LengthChanged
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
			default:
				log.Debug("relay web socket closed", zap.Error(err))
				s.Close()
			}
			return
		}
		select {
		case s.ch <- rewrite(ev):
		default:
		}
	}
}
