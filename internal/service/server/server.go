// Package server is the relay: it exposes a substrate over HTTP so devices
// that cannot reach each other directly can still share logs. It only moves
// opaque entry bytes and never sees plaintext.
package server

import (
	"context"
	"convlog/internal/model"
	"convlog/internal/repository/substrate"
	"convlog/internal/utils/log"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MaxEntrySize bounds one appended entry on the wire.
const MaxEntrySize = 1 << 20

// MaxRangeEntries bounds the entries returned by one range read. Clients
// page through longer ranges.
const MaxRangeEntries = 512

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type (
	HttpServer struct {
		sub      substrate.Substrate
		upgrader websocket.Upgrader
	}
)

func NewHttpServer(sub substrate.Substrate) *HttpServer {
	return &HttpServer{
		sub: sub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/logs/{id}/join", s.HandleJoin()).Methods(http.MethodPost)
	r.HandleFunc("/logs/{id}/entries", s.HandleAppend()).Methods(http.MethodPost)
	r.HandleFunc("/logs/{id}/entries", s.HandleReadRange()).Methods(http.MethodGet)
	r.HandleFunc("/logs/{id}/length", s.HandleLength()).Methods(http.MethodGet)
	r.HandleFunc("/logs/{id}/subscribe", s.HandleSubscribeWS()).Methods(http.MethodGet)
	r.Use(logID)
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// logID rejects ids that are neither conversation ids nor identity logs.
func logID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if !validLogID(id) {
			writeError(w, http.StatusBadRequest, model.ErrInvalidConversationID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validLogID(id string) bool {
	if model.IsIdentityLogID(id) {
		handle := id[len(model.IdentityPrefix):]
		h, err := model.NormalizeHandle(handle)
		return err == nil && h == handle
	}
	_, _, err := model.ParseID(id)
	return err == nil
}

func (s *HttpServer) HandleJoin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req model.JoinRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || len(req.LogKey) == 0 {
			writeError(w, http.StatusBadRequest, errors.New("log key required"))
			return
		}
		if err := s.sub.Join(r.Context(), id, req.LogKey); err != nil {
			s.fail(w, "join failed", id, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) HandleAppend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req model.AppendRequest
		// Base64 grows the entry by a third.
		if err := json.NewDecoder(io.LimitReader(r.Body, 2*MaxEntrySize)).Decode(&req); err != nil || len(req.Entry) == 0 {
			writeError(w, http.StatusBadRequest, errors.New("entry required"))
			return
		}
		if len(req.Entry) > MaxEntrySize {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("entry too large"))
			return
		}

		index, err := s.sub.Append(r.Context(), id, req.Entry)
		if err != nil {
			s.fail(w, "append failed", id, err)
			return
		}
		log.Debug("entry appended", zap.String("log", id), zap.Int("index", index))
		writeJSON(w, http.StatusOK, model.AppendResponse{Index: index})
	}
}

func (s *HttpServer) HandleReadRange() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		from, err1 := strconv.Atoi(r.URL.Query().Get("from"))
		to, err2 := strconv.Atoi(r.URL.Query().Get("to"))
		if err1 != nil || err2 != nil || from < 0 || to < from {
			writeError(w, http.StatusBadRequest, errors.New("bad range"))
			return
		}
		if to-from > MaxRangeEntries {
			to = from + MaxRangeEntries
		}

		entries, err := s.sub.ReadRange(r.Context(), id, from, to)
		if err != nil {
			s.fail(w, "read failed", id, err)
			return
		}
		if entries == nil {
			entries = [][]byte{}
		}
		writeJSON(w, http.StatusOK, model.EntriesResponse{Entries: entries})
	}
}

func (s *HttpServer) HandleLength() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		local, remote, err := s.sub.CurrentLength(r.Context(), id)
		if err != nil {
			s.fail(w, "length failed", id, err)
			return
		}
		n := local
		if remote != nil && *remote > n {
			n = *remote
		}
		writeJSON(w, http.StatusOK, model.LengthResponse{Length: n})
	}
}

// HandleSubscribeWS streams length changes of one log as JSON text frames
// until either side goes away.
func (s *HttpServer) HandleSubscribeWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub, err := s.sub.Subscribe(ctx, id)
		if err != nil {
			s.fail(w, "subscribe failed", id, err)
			return
		}
		defer sub.Close()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.String("log", id), zap.Error(err))
			return
		}
		defer conn.Close()

		// The reader only notices the peer closing.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					log.Debug("subscriber web socket closed", zap.String("log", id), zap.Error(err))
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-sub.Events():
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"),
						time.Now().Add(writeWait))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					log.Debug("subscriber write failed", zap.String("log", id), zap.Error(err))
					return
				}
			}
		}
	}
}

func (s *HttpServer) fail(w http.ResponseWriter, msg, id string, err error) {
	switch {
	case errors.Is(err, substrate.ErrNotJoined):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, substrate.ErrKeyMismatch):
		writeError(w, http.StatusForbidden, err)
	default:
		log.Error(msg, zap.String("log", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, model.ErrorResponse{Error: err.Error()})
}
