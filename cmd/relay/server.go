package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/cleroux/go-foscam"
)

// camera is the part of *foscam.Client the control routes need.
type camera interface {
	Host() string
	IR(ctx context.Context, on bool) error
	DecoderControl(ctx context.Context, cmd foscam.Command) error
	Snapshot(ctx context.Context, res foscam.Resolution) ([]byte, error)
}

// newServer sets up the routes. streamCtx is given to the streaming routes only, so cancelling it ends active
// streams without touching other in-flight requests.
func newServer(streamCtx context.Context, log *zap.SugaredLogger, cam camera, relay *foscam.Relay, defaultRes foscam.Resolution) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debugw("HTTP request", "method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/stream", echo.WrapHandler(foscam.ContextMiddleware(streamCtx, relay.HTTPHandler)))
	e.GET("/ws", echo.WrapHandler(foscam.ContextMiddleware(streamCtx, relay.WebSocketHandler)))

	e.GET("/snapshot", func(c echo.Context) error {
		res := defaultRes
		if s := c.QueryParam("resolution"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || !foscam.Resolution(n).Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "resolution must be one of 4, 8, 16, 32")
			}
			res = foscam.Resolution(n)
		}

		img, err := cam.Snapshot(c.Request().Context(), res)
		if err != nil {
			return cameraError(log, err)
		}
		return c.Blob(http.StatusOK, "image/jpeg", img)
	})

	e.POST("/ir", func(c echo.Context) error {
		on, err := strconv.ParseBool(c.QueryParam("on"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "on must be true or false")
		}

		if err := cam.IR(c.Request().Context(), on); err != nil {
			return cameraError(log, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "ir": on})
	})

	e.POST("/decoder", func(c echo.Context) error {
		cmd, err := strconv.Atoi(c.QueryParam("command"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "command must be an integer")
		}

		if err := cam.DecoderControl(c.Request().Context(), foscam.Command(cmd)); err != nil {
			return cameraError(log, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "command": cmd})
	})

	e.GET("/info", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"ok":     true,
			"camera": cam.Host(),
			"relay":  relay.Stats(),
		})
	})

	return e
}

// cameraError maps a failed camera call to a 502, keeping the camera's own status when it answered.
func cameraError(log *zap.SugaredLogger, err error) error {
	log.Warnw("Camera request failed", "error", err)

	var statusErr *foscam.StatusError
	if errors.As(err, &statusErr) {
		return echo.NewHTTPError(http.StatusBadGateway, "camera returned "+strconv.Itoa(statusErr.Code))
	}
	return echo.NewHTTPError(http.StatusBadGateway, "camera unreachable")
}
