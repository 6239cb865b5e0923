package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/scheduler"
)

// ScheduleRequest is the body of POST /items. Exactly one of TimeStamp and
// At may be set; a recurring item with neither starts at the next cron tick.
type ScheduleRequest struct {
	TimeStamp *int64          `json:"time_stamp,omitempty"`
	At        *time.Time      `json:"at,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Cron      string          `json:"cron,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.service.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSchedule(c echo.Context) error {
	var req ScheduleRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	item, err := req.item(time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.service.Schedule(item); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, item)
}

func (r ScheduleRequest) item(now time.Time) (*db.Item, error) {
	if r.TimeStamp != nil && r.At != nil {
		return nil, errors.New("set only one of time_stamp and at")
	}

	if r.Cron != "" {
		if err := scheduler.ValidateCron(r.Cron); err != nil {
			return nil, err
		}
	}

	item := &db.Item{Payload: r.Payload, Cron: r.Cron}
	switch {
	case r.TimeStamp != nil:
		item.TimeStamp = *r.TimeStamp
	case r.At != nil:
		item.TimeStamp = r.At.UnixMilli()
	case r.Cron != "":
		next, err := scheduler.NextOccurrence(r.Cron, now)
		if err != nil {
			return nil, err
		}
		item.TimeStamp = next.UnixMilli()
	default:
		return nil, errors.New("one of time_stamp, at or cron is required")
	}

	if len(item.Payload) > 0 && !json.Valid(item.Payload) {
		return nil, errors.New("payload must be valid JSON")
	}
	return item, nil
}

// handleList returns items with from <= time_stamp < before. Both bounds
// are optional; with neither every stored item is returned.
func (s *Server) handleList(c echo.Context) error {
	before, err := int64Query(c, "before", math.MaxInt64)
	if err != nil {
		return err
	}

	var items []db.Item
	if c.QueryParam("from") == "" {
		items, err = s.service.ListBefore(before)
	} else {
		var from int64
		if from, err = int64Query(c, "from", 0); err != nil {
			return err
		}
		items, err = s.service.ListBetween(from, before)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

// int64Query parses an epoch millisecond query parameter
func int64Query(c echo.Context, name string, fallback int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be an epoch millisecond timestamp")
	}
	return ts, nil
}

func (s *Server) handleGet(c echo.Context) error {
	ts, err := timeStampParam(c)
	if err != nil {
		return err
	}

	item, err := s.service.Get(ts)
	if db.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "item not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (s *Server) handleCancel(c echo.Context) error {
	ts, err := timeStampParam(c)
	if err != nil {
		return err
	}

	err = s.service.Cancel(ts)
	if db.IsNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "item not found")
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHistory(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	history, err := s.service.History(limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) handleItemHistory(c echo.Context) error {
	ts, err := timeStampParam(c)
	if err != nil {
		return err
	}
	limit, err := limitParam(c)
	if err != nil {
		return err
	}

	history, err := s.service.ItemHistory(ts, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}

func timeStampParam(c echo.Context) (int64, error) {
	ts, err := strconv.ParseInt(c.Param("ts"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "timestamp must be an integer number of epoch milliseconds")
	}
	return ts, nil
}

func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return limit, nil
}
