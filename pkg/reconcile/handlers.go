package reconcile

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ericvolp12/readstate/pkg/activity"
	"github.com/ericvolp12/readstate/pkg/entity"
	"github.com/ericvolp12/readstate/pkg/mentions"
	"github.com/ericvolp12/readstate/pkg/queue"
	"github.com/ericvolp12/readstate/pkg/subscriptions"
	"github.com/ericvolp12/readstate/pkg/viewport"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type SignInRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Username string `json:"username" validate:"required"`
	Token    string `json:"token" validate:"required"`
}

type EntityRequest struct {
	Type        string `json:"type" validate:"required,oneof=discussion comment reply"`
	ID          string `json:"id" validate:"required"`
	ArticleID   string `json:"articleId,omitempty"`
	CommunityID string `json:"communityId,omitempty"`
}

func (r EntityRequest) ref() entity.Ref {
	return entity.Ref{Type: entity.Type(r.Type), ID: r.ID}
}

func (r EntityRequest) scope() entity.Scope {
	return entity.Scope{ArticleID: r.ArticleID, CommunityID: r.CommunityID}
}

type UnreadQuery struct {
	Entities []UnreadQueryEntity `json:"entities" validate:"required,dive"`
}

type UnreadQueryEntity struct {
	Type         string `json:"type" validate:"required,oneof=discussion comment reply"`
	ID           string `json:"id" validate:"required"`
	ServerUnread bool   `json:"serverUnread"`
}

type UnreadResult struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	ShownUnread bool   `json:"shownUnread"`
}

type VisibilityRequest struct {
	EntityRequest
	DiscussionID  string  `json:"discussionId,omitempty"`
	HasUnreadFlag bool    `json:"hasUnreadFlag"`
	Ratio         float64 `json:"ratio" validate:"gte=0,lte=1"`
}

type VisibilityResponse struct {
	IsNew bool `json:"isNew"`
}

type MentionsResponse struct {
	Mentions []mentions.Mention `json:"mentions"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type API struct {
	e        *Engine
	validate *validator.Validate
	upgrader websocket.Upgrader
}

func NewAPI(e *Engine) *API {
	return &API{
		e:        e,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (a *API) Register(g *echo.Group) {
	g.POST("/session", a.HandleSignIn)
	g.DELETE("/session", a.HandleSignOut)
	g.GET("/counts", a.HandleGetCounts)
	g.POST("/read", a.HandleMarkRead)
	g.POST("/unread", a.HandleShownUnread)
	g.POST("/viewport", a.HandleVisibility)
	g.DELETE("/viewport/:type/:id", a.HandleUntrack)
	g.POST("/viewing", a.HandleSetViewing)
	g.DELETE("/viewing", a.HandleClearViewing)
	g.POST("/seen/:surface", a.HandleMarkSeen)
	g.GET("/mentions", a.HandleListMentions)
	g.POST("/mentions/backfill", a.HandleBackfill)
	g.POST("/mentions/read", a.HandleMarkAllMentionsRead)
	g.POST("/mentions/:id/read", a.HandleMarkMentionRead)
	g.DELETE("/mentions/read", a.HandleClearReadMentions)
	g.POST("/flush", a.HandleFlush)
	g.GET("/ws", a.HandleFeed)
}

func (a *API) bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := a.validate.Struct(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func fail(c echo.Context, err error) error {
	if errors.Is(err, ErrNotSignedIn) {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}

// HandleSignIn handles POST /session
func (a *API) HandleSignIn(c echo.Context) error {
	var req SignInRequest
	if err := a.bind(c, &req); err != nil {
		return err
	}

	id := queue.Identity{UserID: req.UserID, Username: req.Username, Token: req.Token}
	if err := a.e.SignIn(c.Request().Context(), id); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, a.e.Counts(c.Request().Context()))
}

// HandleSignOut handles DELETE /session
func (a *API) HandleSignOut(c echo.Context) error {
	if err := a.e.SignOut(c.Request().Context()); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleGetCounts handles GET /counts
func (a *API) HandleGetCounts(c echo.Context) error {
	return c.JSON(http.StatusOK, a.e.Counts(c.Request().Context()))
}

// HandleMarkRead handles POST /read
func (a *API) HandleMarkRead(c echo.Context) error {
	var req EntityRequest
	if err := a.bind(c, &req); err != nil {
		return err
	}
	if err := a.e.MarkRead(c.Request().Context(), req.ref(), req.scope()); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleShownUnread handles POST /unread, merging server flags from a REST
// fetch with local read state.
func (a *API) HandleShownUnread(c echo.Context) error {
	var req UnreadQuery
	if err := a.bind(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	out := make([]UnreadResult, 0, len(req.Entities))
	for _, q := range req.Entities {
		ref := entity.Ref{Type: entity.Type(q.Type), ID: q.ID}
		out = append(out, UnreadResult{Type: q.Type, ID: q.ID, ShownUnread: a.e.ShownUnread(ctx, q.ServerUnread, ref)})
	}
	return c.JSON(http.StatusOK, out)
}

// HandleVisibility handles POST /viewport
func (a *API) HandleVisibility(c echo.Context) error {
	var req VisibilityRequest
	if err := a.bind(c, &req); err != nil {
		return err
	}

	target := viewport.Target{
		Ref:           req.ref(),
		Scope:         req.scope(),
		DiscussionID:  req.DiscussionID,
		HasUnreadFlag: req.HasUnreadFlag,
	}
	isNew, err := a.e.ReportVisibility(c.Request().Context(), target, req.Ratio)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, VisibilityResponse{IsNew: isNew})
}

// HandleUntrack handles DELETE /viewport/:type/:id
func (a *API) HandleUntrack(c echo.Context) error {
	t, err := entity.ParseType(c.Param("type"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	a.e.Untrack(entity.Ref{Type: t, ID: c.Param("id")})
	return c.NoContent(http.StatusNoContent)
}

// HandleSetViewing handles POST /viewing
func (a *API) HandleSetViewing(c echo.Context) error {
	var req subscriptions.ViewingState
	if err := a.bind(c, &req); err != nil {
		return err
	}
	a.e.SetViewing(c.Request().Context(), req)
	return c.NoContent(http.StatusNoContent)
}

// HandleClearViewing handles DELETE /viewing
func (a *API) HandleClearViewing(c echo.Context) error {
	a.e.ClearViewing()
	return c.NoContent(http.StatusNoContent)
}

// HandleMarkSeen handles POST /seen/:surface
func (a *API) HandleMarkSeen(c echo.Context) error {
	surface, err := activity.ParseSurface(c.Param("surface"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	if err := a.e.MarkSeen(c.Request().Context(), surface); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleListMentions handles GET /mentions
func (a *API) HandleListMentions(c echo.Context) error {
	list, err := a.e.Mentions(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	if list == nil {
		list = []mentions.Mention{}
	}
	return c.JSON(http.StatusOK, MentionsResponse{Mentions: list})
}

// HandleBackfill handles POST /mentions/backfill
func (a *API) HandleBackfill(c echo.Context) error {
	n, err := a.e.BackfillMentions(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

// HandleMarkMentionRead handles POST /mentions/:id/read
func (a *API) HandleMarkMentionRead(c echo.Context) error {
	id := c.Param("id")
	found, err := a.e.MarkMentionAsRead(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	if !found {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("mention not found: %s", id)})
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleMarkAllMentionsRead handles POST /mentions/read
func (a *API) HandleMarkAllMentionsRead(c echo.Context) error {
	n, err := a.e.MarkAllMentionsAsRead(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

// HandleClearReadMentions handles DELETE /mentions/read
func (a *API) HandleClearReadMentions(c echo.Context) error {
	n, err := a.e.ClearReadMentions(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

// HandleFlush handles POST /flush
func (a *API) HandleFlush(c echo.Context) error {
	n, err := a.e.FlushReadMarks(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

// HandleFeed handles GET /ws, streaming Counts on every change.
func (a *API) HandleFeed(c echo.Context) error {
	conn, err := a.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	updates, unsubscribe := a.e.Subscribe()
	defer unsubscribe()

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request().Context()
	if err := conn.WriteJSON(a.e.Counts(ctx)); err != nil {
		return nil
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return nil
			}
		case counts, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(time.Second))
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(counts); err != nil {
				return nil
			}
		}
	}
}
