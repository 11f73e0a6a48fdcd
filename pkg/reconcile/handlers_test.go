package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func setupAPI(t *testing.T) (*harness, *echo.Echo) {
	t.Helper()
	h := setupEngine(t)
	router := echo.New()
	NewAPI(h.e).Register(router.Group(""))
	return h, router
}

func serve(router *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlersRequireSession(t *testing.T) {
	t.Parallel()

	_, router := setupAPI(t)

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/read", `{"type":"discussion","id":"d1"}`},
		{http.MethodPost, "/seen/bell", ""},
		{http.MethodGet, "/mentions", ""},
		{http.MethodPost, "/flush", ""},
		{http.MethodPost, "/viewport", `{"type":"comment","id":"55","hasUnreadFlag":true,"ratio":1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(router, tt.method, tt.path, tt.body)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandlersValidateInput(t *testing.T) {
	t.Parallel()

	_, router := setupAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing sign in fields", http.MethodPost, "/session", `{"userId":"u-alice"}`, http.StatusBadRequest},
		{"unknown entity type", http.MethodPost, "/read", `{"type":"article","id":"a1"}`, http.StatusBadRequest},
		{"ratio out of range", http.MethodPost, "/viewport", `{"type":"comment","id":"55","ratio":2}`, http.StatusBadRequest},
		{"unknown surface", http.MethodPost, "/seen/inbox", "", http.StatusBadRequest},
		{"unknown untrack type", http.MethodDelete, "/viewport/article/a1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandlersSessionFlow(t *testing.T) {
	t.Parallel()

	h, router := setupAPI(t)

	rec := serve(router, http.MethodPost, "/session", `{"userId":"u-alice","username":"alice","token":"tok-a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign in failed with %d: %s", rec.Code, rec.Body.String())
	}
	var counts Counts
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	if !counts.SignedIn {
		t.Error("expected a signed in session")
	}

	h.apply(t, discussionD1, mentionOf55)

	rec = serve(router, http.MethodPost, "/unread", `{"entities":[{"type":"discussion","id":"d1"},{"type":"comment","id":"77","serverUnread":true}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unread query failed with %d: %s", rec.Code, rec.Body.String())
	}
	var results []UnreadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || !results[0].ShownUnread || !results[1].ShownUnread {
		t.Errorf("unexpected unread results %+v", results)
	}

	rec = serve(router, http.MethodPost, "/read", `{"type":"discussion","id":"d1","articleId":"a1","communityId":"c1"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("mark read failed with %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(router, http.MethodGet, "/counts", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	if counts.NewEvents != 0 || counts.UnreadMentions != 1 || counts.PendingMarks != 1 {
		t.Errorf("unexpected counts %+v", counts)
	}

	rec = serve(router, http.MethodGet, "/mentions", "")
	var list MentionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Mentions) != 1 {
		t.Fatalf("expected one mention, got %+v", list.Mentions)
	}

	rec = serve(router, http.MethodPost, "/mentions/"+list.Mentions[0].ID+"/read", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("mark mention read failed with %d: %s", rec.Code, rec.Body.String())
	}
	rec = serve(router, http.MethodPost, "/mentions/nope/read", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown mention, got %d", rec.Code)
	}

	rec = serve(router, http.MethodDelete, "/mentions/read", "")
	var cleared CountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil {
		t.Fatal(err)
	}
	if cleared.Count != 1 {
		t.Errorf("expected one cleared mention, got %d", cleared.Count)
	}

	rec = serve(router, http.MethodPost, "/flush", "")
	var flushed CountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &flushed); err != nil {
		t.Fatal(err)
	}
	if flushed.Count != 1 {
		t.Errorf("expected one flushed mark, got %d", flushed.Count)
	}

	rec = serve(router, http.MethodDelete, "/session", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("sign out failed with %d", rec.Code)
	}
	rec = serve(router, http.MethodGet, "/counts", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	if counts.SignedIn {
		t.Error("expected the session to be signed out")
	}
}

func TestFeedWebsocket(t *testing.T) {
	t.Parallel()

	h, router := setupAPI(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to dial feed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var counts Counts
	if err := conn.ReadJSON(&counts); err != nil {
		t.Fatalf("failed to read initial counts: %v", err)
	}
	if counts.SignedIn {
		t.Fatal("expected the initial counts of a signed out session")
	}

	h.signIn(t, alice)
	h.apply(t, discussionD1)

	for !counts.SignedIn || counts.NewEvents != 1 {
		if err := conn.ReadJSON(&counts); err != nil {
			t.Fatalf("never saw the new event, last counts %+v: %v", h.e.Counts(context.Background()), err)
		}
	}
}
