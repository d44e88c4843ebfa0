package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dmitrymomot/signalbus/core/logger"
	"github.com/dmitrymomot/signalbus/core/messaging"
	"github.com/dmitrymomot/signalbus/pkg/clientip"
	"github.com/dmitrymomot/signalbus/pkg/ratelimiter"
)

type publisher interface {
	Publish(ctx context.Context, msg *messaging.Message) error
}

type publishRequest struct {
	Source     string `json:"source"`
	Key        string `json:"key"`
	Value      string `json:"value"`
	Filter     string `json:"filter,omitempty"`
	Command    bool   `json:"command,omitempty"`
	WaitForAck bool   `json:"wait_for_ack,omitempty"`
}

type publishResponse struct {
	CommandID string `json:"command_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// publishHandler accepts one message per POST. A nil limiter disables rate limiting.
func publishHandler(bus publisher, limiter *ratelimiter.Bucket, maxBytes int64, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, publishResponse{Error: "method not allowed"})
			return
		}

		if limiter != nil {
			ip := clientip.GetIP(r)
			res, err := limiter.Allow(r.Context(), "http:"+ip)
			if err != nil {
				log.ErrorContext(r.Context(), "rate limiter failed", logger.ClientIP(ip), logger.Error(err))
			} else if !res.Allowed() {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter().Seconds())+1))
				writeJSON(w, http.StatusTooManyRequests, publishResponse{Error: ratelimiter.ErrRateLimitExceeded.Error()})
				return
			}
		}

		var req publishRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, publishResponse{Error: "invalid request body"})
			return
		}

		var msg *messaging.Message
		if req.Command {
			msg = messaging.NewCommand(req.Source, req.Key, []byte(req.Value), req.WaitForAck)
			msg.Encoding = messaging.DefaultEncoding
		} else {
			msg = messaging.NewStringMessage(req.Source, req.Key, req.Value)
		}
		msg.Filter = req.Filter

		if err := bus.Publish(r.Context(), msg); err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, messaging.ErrEmptyKey) {
				status = http.StatusBadRequest
			}
			log.WarnContext(r.Context(), "publish failed", logger.Topic(req.Key), logger.Error(err))
			writeJSON(w, status, publishResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, publishResponse{CommandID: msg.CommandID})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
