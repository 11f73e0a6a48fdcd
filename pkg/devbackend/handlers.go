package devbackend

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/readstate/pkg/backend"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type API struct {
	s        *Server
	validate *validator.Validate
}

func NewAPI(s *Server) *API {
	return &API{s: s, validate: validator.New()}
}

func (a *API) Register(e *echo.Echo) {
	e.POST("/queue/register", a.HandleRegister)
	e.POST("/queue/heartbeat", a.HandleHeartbeat)
	e.POST("/read-marks", a.HandleMarkRead)
	e.GET("/mentions", a.HandleListMentions)
	e.POST("/events", a.HandlePublish)
	e.GET("/users/:userID/read-marks", a.HandleListReadMarks)
}

func (a *API) user(c echo.Context) (User, error) {
	token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	if !ok || token == "" {
		return User{}, echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	u, err := a.s.authenticate(token)
	if err != nil {
		if errors.Is(err, errUnavailable) {
			return User{}, echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return User{}, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return u, nil
}

func (a *API) HandleRegister(c echo.Context) error {
	u, err := a.user(c)
	if err != nil {
		return err
	}
	res := a.s.Register(u)
	a.s.logger.Info("registered queue", "user_id", u.ID, "queue_id", res.QueueID)
	return c.JSON(http.StatusOK, res)
}

func (a *API) HandleHeartbeat(c echo.Context) error {
	u, err := a.user(c)
	if err != nil {
		return err
	}

	var req backend.HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := a.s.Heartbeat(u, req.QueueID, req.LastEventID)
	if err != nil {
		if errors.Is(err, ErrUnknownQueue) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (a *API) HandleMarkRead(c echo.Context) error {
	u, err := a.user(c)
	if err != nil {
		return err
	}

	var req backend.FlushRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := a.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	created := a.s.MarkRead(u, req.Marks)
	return c.JSON(http.StatusOK, backend.FlushResponse{Accepted: len(req.Marks), Created: created})
}

func (a *API) HandleListMentions(c echo.Context) error {
	u, err := a.user(c)
	if err != nil {
		return err
	}

	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		since, err = dateparse.ParseAny(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since")
		}
	}
	return c.JSON(http.StatusOK, backend.MentionsResponse{Mentions: a.s.Mentions(u, since)})
}

func (a *API) HandlePublish(c echo.Context) error {
	var req backend.PublishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := a.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ids, err := a.s.Publish(req)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, backend.PublishResponse{EventIDs: ids})
}

func (a *API) HandleListReadMarks(c echo.Context) error {
	return c.JSON(http.StatusOK, a.s.ReadMarks(c.Param("userID")))
}
