package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/transport"
	"github.com/JakeFAU/netcollector/internal/transport/memory"
)

type demoRequest struct {
	path   string
	mime   string
	isXHR  bool
	status int
	body   string
}

var demoPage = []demoRequest{
	{path: "/", mime: "text/html", status: 200, body: "<!doctype html><title>demo</title>" + strings.Repeat("<p>lorem ipsum</p>", 64)},
	{path: "/app.js", mime: "application/javascript", status: 200, body: "console.log('demo');"},
	{path: "/api/items", mime: "application/json", isXHR: true, status: 200, body: `{"items":[1,2,3]}`},
	{path: "/missing.png", mime: "text/plain", status: 404, body: "not found"},
}

// playDemo loads a synthetic page on target every interval until ctx ends.
func playDemo(ctx context.Context, target *memory.Target, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for page := 1; ; page++ {
		loadDemoPage(target, page)
		logger.Debug("demo page loaded", zap.Int("page", page), zap.Int("requests", len(demoPage)))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func loadDemoPage(target *memory.Target, page int) {
	for i, req := range demoPage {
		id := fmt.Sprintf("demo-%d.%d", page, i)
		target.StartRequest(transport.RequestStarted{
			ID:        id,
			Method:    "GET",
			URL:       "https://demo.netcollector.local" + req.path,
			IsXHR:     req.isXHR,
			StartedAt: time.Now().UTC(),
		})
		target.Respond(id, record.KindRequestHeaders, []record.Header{
			{Name: "Accept", Value: "*/*"},
			{Name: "User-Agent", Value: "netcollector-demo"},
		})
		target.Respond(id, record.KindResponseStart, record.Status{
			HTTPVersion: "HTTP/2",
			Status:      req.status,
			StatusText:  http.StatusText(req.status),
		})
		target.Respond(id, record.KindResponseHeaders, []record.Header{
			{Name: "Content-Type", Value: req.mime},
			{Name: "Content-Length", Value: fmt.Sprint(len(req.body))},
		})
		target.Respond(id, record.KindResponseContent, record.ContentPayload{
			MimeType:        req.mime,
			Size:            int64(len(req.body)),
			TransferredSize: int64(len(req.body)),
			Text:            target.SetLongString(req.body, 256),
		})
		target.Respond(id, record.KindEventTimings, record.Timings{
			Blocked:   1,
			DNS:       -1,
			Connect:   -1,
			SSL:       -1,
			Send:      1,
			Wait:      20,
			Receive:   5,
			TotalTime: 27,
		})
	}
}

