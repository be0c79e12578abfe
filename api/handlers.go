package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"notification-service/domain"
	"notification-service/registry"
	"notification-service/storage"
)

// Register wires up all API routes on the provided Echo instance. The
// service token guards the producer-facing endpoints; client-facing ones
// authenticate end users via JWT.
func Register(e *echo.Echo, svc EventService, streams Streamer, auth Authenticator, serviceToken string, logger *log.Logger) {
	e.GET("/api/events/stream", streamEvents(streams, auth, logger))
	e.DELETE("/api/events/stream/:id", unsubscribe(streams, auth))
	e.GET("/api/events", getEvents(svc, auth))
	e.POST("/api/events", postEvent(svc, serviceToken, logger))
	e.GET("/api/events/stats", getStats(svc, streams, serviceToken))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// streamEvents opens the long-lived SSE connection. The handler blocks
// until the client goes away or the connection is deregistered server-side.
func streamEvents(streams Streamer, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers, so the token may arrive as a
		// query parameter instead.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		ident, err := auth.IdentityFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		filter, err := parseTypes(c.QueryParam("types"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		stream, err := newSSEStream(c)
		if err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}

		connID := uuid.NewString()
		if _, err := streams.Register(connID, stream, registry.RegisterOptions{
			UserID: ident.UserID,
			Role:   ident.Role,
			Filter: filter,
		}); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "unable to open stream")
		}

		select {
		case <-c.Request().Context().Done():
			// Client went away; drop the connection promptly rather than
			// waiting for the reaper.
			streams.Deregister(connID)
		case <-stream.Done():
		}
		return nil
	}
}

func unsubscribe(streams Streamer, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ident, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		id := c.Param("id")
		conn, ok := streams.Connection(id)
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		if conn.UserID != ident.UserID {
			return c.NoContent(http.StatusForbidden)
		}
		streams.Deregister(id)
		return c.NoContent(http.StatusNoContent)
	}
}

func getEvents(svc EventService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ident, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		types, err := parseTypes(c.QueryParam("types"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		limit, err := parseIntParam(c.QueryParam("limit"))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid limit")
		}
		skip, err := parseIntParam(c.QueryParam("skip"))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid skip")
		}

		evs, err := svc.EventsForUser(ctx, ident.UserID, storage.HistoryQuery{
			Types: types,
			Limit: limit,
			Skip:  skip,
		})
		if err != nil {
			var vErr *domain.ValidationError
			if errors.As(err, &vErr) {
				return c.String(http.StatusBadRequest, vErr.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, historyResponse{Events: evs})
	}
}

func postEvent(svc EventService, serviceToken string, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newPublishMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		authorized := serviceTokenMatches(c.Request().Header.Get(echo.HeaderAuthorization), serviceToken)
		metrics.ObserveAuth(time.Since(authStart))
		if !authorized {
			metrics.SetErrorStage("auth")
			err = c.NoContent(http.StatusUnauthorized)
			return err
		}

		decodeStart := time.Now()
		lr := io.LimitReader(c.Request().Body, postEventMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var req publishRequest
		decodeErr := dec.Decode(&req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, publishResponse{Error: "invalid body"})
			return err
		}
		metrics.SetEvent(req.Type, req.Audience.Kind)

		createStart := time.Now()
		ev, res, createErr := svc.Create(ctx, req.spec())
		metrics.ObserveCreate(time.Since(createStart))
		if createErr != nil {
			var vErr *domain.ValidationError
			if errors.As(createErr, &vErr) {
				metrics.SetErrorStage("validation")
				err = c.JSON(http.StatusBadRequest, publishResponse{Error: vErr.Error()})
				return err
			}
			metrics.SetErrorStage("storage")
			c.Logger().Error(createErr)
			err = c.JSON(http.StatusInternalServerError, publishResponse{Error: "failed to store event"})
			return err
		}
		metrics.SetDispatch(res.Delivered, res.Failed)

		err = c.JSON(http.StatusCreated, publishResponse{Event: ev, Delivered: res.Delivered, Failed: res.Failed})
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getStats(svc EventService, streams Streamer, serviceToken string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !serviceTokenMatches(c.Request().Header.Get(echo.HeaderAuthorization), serviceToken) {
			return c.NoContent(http.StatusUnauthorized)
		}
		resp := statsResponse{Registry: streams.Stats()}
		if count, err := svc.CountEvents(c.Request().Context()); err != nil {
			c.Logger().Error(err)
		} else {
			resp.StoredEvents = &count
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func serviceTokenMatches(authHeader, serviceToken string) bool {
	if serviceToken == "" {
		return false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	return len(parts) == 2 && parts[0] == "Bearer" && parts[1] == serviceToken
}

func parseTypes(raw string) ([]domain.EventType, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	types := make([]domain.EventType, 0, len(parts))
	for _, p := range parts {
		t := domain.EventType(strings.TrimSpace(p))
		if !t.Valid() {
			return nil, errors.New("unknown event type " + string(t))
		}
		types = append(types, t)
	}
	return types, nil
}

func parseIntParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
