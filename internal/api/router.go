package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"algo-dashboard/internal/snapshot"
	"algo-dashboard/internal/store"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
)

//go:embed web/index.html
var dashboardPage []byte

type Deps struct {
	Producer *snapshot.Producer
	Store    *store.Store
}

func RegisterRoutes(h *server.Hertz, deps Deps) {
	h.GET("/", func(_ context.Context, c *app.RequestContext) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", dashboardPage)
	})

	h.GET("/api/data", func(ctx context.Context, c *app.RequestContext) {
		deps.Producer.Refresh(ctx)
		body, err := json.Marshal(deps.Producer.Snapshot())
		if err != nil {
			hlog.CtxErrorf(ctx, "encode snapshot error: %v", err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Header("Access-Control-Allow-Origin", "*")
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	})

	h.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})

	h.GET("/api/history", func(_ context.Context, c *app.RequestContext) {
		st := deps.Store
		if st == nil {
			storeMissing(c)
			return
		}
		symbol := c.Query("symbol")
		if symbol == "" {
			badRequest(c, "symbol is required")
			return
		}
		limit, offset, ok := pageParams(c)
		if !ok {
			return
		}
		kind := c.Query("kind")
		if kind == "" {
			kind = "quote"
		}
		var (
			items any
			err   error
		)
		switch kind {
		case "quote":
			items, err = st.QueryQuoteHistory(symbol, limit, offset)
		case "position":
			items, err = st.QueryPositionHistory(symbol, limit, offset)
		default:
			badRequest(c, "kind must be quote or position")
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":     true,
			"kind":   kind,
			"symbol": symbol,
			"items":  items,
		})
	})

	h.GET("/api/events", func(_ context.Context, c *app.RequestContext) {
		st := deps.Store
		if st == nil {
			storeMissing(c)
			return
		}
		limit, offset, ok := pageParams(c)
		if !ok {
			return
		}
		date := c.Query("date")
		if date == "" {
			date = exchangeToday()
		}
		items, err := st.QueryEventsByDate(date, c.Query("type"), limit, offset)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/alerts", func(_ context.Context, c *app.RequestContext) {
		st := deps.Store
		if st == nil {
			storeMissing(c)
			return
		}
		limit, offset, ok := pageParams(c)
		if !ok {
			return
		}
		date := c.Query("date")
		if date == "" {
			date = exchangeToday()
		}
		items, err := st.QueryAlertsByDate(date, c.Query("status"), limit, offset)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	// Everything else, any method, is a bare 404.
	h.Any("/*path", func(_ context.Context, c *app.RequestContext) {
		c.AbortWithStatus(http.StatusNotFound)
	})
}

func storeMissing(c *app.RequestContext) {
	c.JSON(http.StatusInternalServerError, map[string]any{
		"ok":    false,
		"error": "store not configured",
	})
}

func badRequest(c *app.RequestContext, msg string) {
	c.JSON(http.StatusBadRequest, map[string]any{
		"ok":    false,
		"error": msg,
	})
}

func pageParams(c *app.RequestContext) (int, int, bool) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		badRequest(c, err.Error())
		return 0, 0, false
	}
	offset, err := parseOffset(c.Query("offset"))
	if err != nil {
		badRequest(c, err.Error())
		return 0, 0, false
	}
	return limit, offset, true
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 200, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if v > 1000 {
		return 1000, nil
	}
	return v, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid offset")
	}
	return v, nil
}

func exchangeToday() string {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.Now().Format("2006-01-02")
	}
	return time.Now().In(loc).Format("2006-01-02")
}
