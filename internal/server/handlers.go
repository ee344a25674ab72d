package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"llm-relay/internal/chat"
	"llm-relay/internal/models"
	"llm-relay/internal/translator"
)

type modelEntry struct {
	models.ModelConfig
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type abortRequest struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	list := modelList{Object: "list", Data: []modelEntry{}}
	for _, m := range s.router.Registry().Models() {
		list.Data = append(list.Data, modelEntry{ModelConfig: m, Object: "model", OwnedBy: m.Provider})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleAbort(c echo.Context) error {
	var req abortRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := s.chat.Abort(c.Request().Context(), req.MessageID); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "aborting", "message_id": req.MessageID})
}

func (s *Server) handleChat(c echo.Context) error {
	var req chat.Request
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	if !req.Stream {
		res, err := s.chat.Send(ctx, req)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, res)
	}

	sse := newSSEWriter(c)
	_, err := s.chat.Stream(ctx, req, func(ev chat.Event) error {
		return sse.event(string(ev.Type), ev.Data)
	})
	if err != nil && !sse.started {
		return toHTTPError(err)
	}
	// Failures after the first event were already reported in-band.
	return nil
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	canonical := req.ToCanonical()
	created := time.Now().Unix()

	if !req.Stream {
		resp, modelInfo, err := s.router.Chat(ctx, canonical)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, translator.FromCanonical(modelInfo.ID, created, resp))
	}

	stream, modelInfo, err := s.router.Stream(ctx, canonical)
	if err != nil {
		return toHTTPError(err)
	}
	defer stream.Close()

	sse := newSSEWriter(c)
	id := "chatcmpl-" + uuid.NewString()
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			reqErr := toHTTPError(err)
			s.logger.Warn("passthrough stream failed", zap.String("model", modelInfo.ID), zap.Error(err))
			_ = sse.data(newErrorBody(reqErr.Message, reqErr.Type, reqErr.Code))
			return nil
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		if err := sse.data(translator.ChunkFromCanonical(id, modelInfo.ID, created, chunk)); err != nil {
			return nil
		}
	}
	_ = sse.raw("[DONE]")
	return nil
}

// sseWriter commits the event-stream headers on first write.
type sseWriter struct {
	c       echo.Context
	started bool
}

func newSSEWriter(c echo.Context) *sseWriter {
	return &sseWriter{c: c}
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	header := w.c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.c.Response().WriteHeader(http.StatusOK)
	w.started = true
}

func (w *sseWriter) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	w.start()
	if _, err := fmt.Fprintf(w.c.Response(), "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write SSE event: %w", err)
	}
	w.c.Response().Flush()
	return nil
}

func (w *sseWriter) data(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	return w.raw(string(data))
}

func (w *sseWriter) raw(data string) error {
	w.start()
	if _, err := fmt.Fprintf(w.c.Response(), "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	w.c.Response().Flush()
	return nil
}
