package transport

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// MessageHandler processes one decoded-at-the-boundary control message from
// sender and returns the raw reply envelope.
type MessageHandler func(ctx context.Context, senderID string, body []byte) ([]byte, error)

// Server exposes the single control endpoint peers send envelopes to. It is
// the only listening surface the ring substrate owns.
type Server struct {
	addr    string
	handler MessageHandler
	httpSrv *http.Server
}

func NewServer(addr string, handler MessageHandler) *Server {
	return &Server{addr: addr, handler: handler}
}

func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(messagePath, s.handleMessage)
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("ring control listening on %s", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sender := strings.TrimSpace(r.Header.Get(senderHeader))
	if sender == "" {
		http.Error(w, "missing relay id", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReplyBytes))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	reply, err := s.handler(r.Context(), sender, body)
	if err != nil {
		// Invalid control messages are rejected locally and never explained
		// to the sender.
		http.Error(w, "rejected", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(reply)
}
