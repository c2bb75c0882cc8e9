package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gogotex/livedoc/internal/document"
	"github.com/gogotex/livedoc/internal/document/service"
	"github.com/gogotex/livedoc/internal/events"
	"github.com/gogotex/livedoc/pkg/logger"
	"github.com/gogotex/livedoc/pkg/metrics"
)

const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultStreamBuffer      = 64
)

var log = logger.Named("sse")

// Option tunes the push channel.
type Option func(*documentHandler)

// WithKeepalive sets the keepalive period of event streams.
func WithKeepalive(d time.Duration) Option {
	return func(h *documentHandler) { h.keepalive = d }
}

// WithStreamBuffer sets how many events a slow stream may queue before
// further events for it are dropped.
func WithStreamBuffer(n int) Option {
	return func(h *documentHandler) { h.buffer = n }
}

type documentHandler struct {
	svc       service.Service
	keepalive time.Duration
	buffer    int
}

// RegisterDocumentRoutes mounts the snapshot, mutate, join, leave and
// subscribe endpoints on r.
func RegisterDocumentRoutes(r gin.IRoutes, svc service.Service, opts ...Option) {
	h := &documentHandler{svc: svc, keepalive: DefaultKeepaliveInterval, buffer: DefaultStreamBuffer}
	for _, o := range opts {
		o(h)
	}

	r.GET("/document/:id", h.snapshot)
	r.PUT("/document/:id", h.mutate)
	r.POST("/document/:id/join", h.join)
	r.POST("/document/:id/leave", h.leave)
	r.GET("/document/:id/events", h.events)
}

func (h *documentHandler) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Snapshot(c.Param("id")))
}

func (h *documentHandler) mutate(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Content        *string `json:"content"`
		UserName       *string `json:"userName"`
		CursorPosition *int    `json:"cursorPosition"`
		CursorOnly     bool    `json:"cursorOnly"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.svc.Mutate(id, document.WriteRequest{
		Content:        req.Content,
		Name:           req.UserName,
		CursorPosition: req.CursorPosition,
		CursorOnly:     req.CursorOnly,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "content": snap.Content, "users": snap.Users, "lastUpdated": snap.LastUpdated})
}

func (h *documentHandler) join(c *gin.Context) {
	var req struct {
		UserName string `json:"userName" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	users, err := h.svc.Join(c.Param("id"), req.UserName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": users})
}

// leave always acknowledges: clients call it best-effort on teardown.
func (h *documentHandler) leave(c *gin.Context) {
	var req struct {
		UserName string `json:"userName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debugf("leave %s: ignoring unreadable body: %v", c.Param("id"), err)
	} else {
		h.svc.Leave(c.Param("id"), req.UserName)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrInvalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// events serves the push channel. The bus listener and the keepalive ticker
// both feed this goroutine, which is the only writer of the response.
func (h *documentHandler) events(c *gin.Context) {
	id := c.Param("id")
	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Headers", "Cache-Control")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	log.Infof("setting up connection for document: %s", id)
	queue := make(chan events.Event, h.buffer)
	sub := h.svc.Subscribe(id, func(ev events.Event) {
		select {
		case queue <- ev:
		default:
			metrics.SSEEventsDropped.Inc()
			log.Warnf("stream for document %s is full, dropping %s event", id, ev.Type())
		}
	})
	ticker := time.NewTicker(h.keepalive)
	defer func() {
		log.Infof("cleaning up connection for document: %s", id)
		ticker.Stop()
		h.svc.Unsubscribe(sub)
	}()

	if err := writeEvent(c, events.Connected{DocumentID: id}); err != nil {
		return
	}
	ctx := c.Request.Context()
	for {
		var ev events.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-queue:
		case t := <-ticker.C:
			ev = events.Keepalive{Timestamp: t.UnixMilli()}
		}
		if err := writeEvent(c, ev); err != nil {
			log.Debugf("stream for document %s closed: %v", id, err)
			return
		}
	}
}

func writeEvent(c *gin.Context, ev events.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("encode %s event: %v", ev.Type(), err)
		return nil
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", b); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
