package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"museum-notifier/audience"
	"museum-notifier/badge"
	"museum-notifier/clock"
	"museum-notifier/docstore"
	"museum-notifier/email"
	"museum-notifier/identity"
	"museum-notifier/metrics"
	"museum-notifier/notifications"
	"museum-notifier/pkg/notifier"
	"museum-notifier/reminder"
	"museum-notifier/requests"
	"museum-notifier/storage"
)

var start = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ts    *httptest.Server
	store *docstore.Memory
	repo  *notifications.Repository
	reqs  *requests.Store
	mail  *email.MockProvider
	clk   *clock.Fake
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, burst int) *fixture {
	t.Helper()
	logger := discard()
	clk := clock.NewFake(start)

	store := docstore.NewMemory(clk, logger)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	repo := notifications.New(store, time.UTC, m, logger)
	reqs := requests.New(storage.New(storage.Config{LocalPath: t.TempDir()}, logger), "", logger)
	dir := audience.NewDirectory(store, time.Minute, logger)
	mock := email.NewMockProvider(logger)

	s := New(&Config{
		Notifications: repo,
		Requests:      reqs,
		Directory:     dir,
		Dispatcher:    audience.NewDispatcher(repo, time.UTC, m, logger),
		Poller: reminder.New(reminder.Config{
			Requests:     reqs,
			Sender:       repo,
			Languages:    dir,
			Clock:        clk,
			Metrics:      m,
			PurgeOverdue: true,
		}, logger),
		Mailer:       email.New(mock, email.Config{BaseURL: "https://museum.example", Provider: "mock"}, logger),
		Verifier:     identity.DevVerifier{},
		Clock:        clk,
		Metrics:      m,
		Gatherer:     reg,
		Logger:       logger,
		BadgeOptions: badge.Options{Retries: 50, Delay: 10 * time.Millisecond},
		RateBurst:    burst,
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, store: store, repo: repo, reqs: reqs, mail: mock, clk: clk}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func (f *fixture) addUser(t *testing.T, lang string, interests ...string) string {
	t.Helper()
	tags := make([]any, 0, len(interests))
	for _, i := range interests {
		tags = append(tags, i)
	}
	id, err := f.store.Add(context.Background(), audience.UsersCollection, map[string]any{
		"language":  lang,
		"Interests": tags,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) create(t *testing.T, recipientID, relatedID string) {
	t.Helper()
	ok := f.repo.Create(context.Background(), notifications.Draft{
		RecipientID:  recipientID,
		Kind:         notifier.KindNews,
		Title:        "New Article",
		Message:      "A new article is out",
		RelatedID:    relatedID,
		RelatedTitle: "Article " + relatedID,
	})
	require.True(t, ok)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 100)

	code, body := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"healthy"}`, body)

	code, _ = f.do(t, http.MethodPost, "/health", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, 100)

	tests := []struct {
		method string
		path   string
		token  string
	}{
		{http.MethodGet, "/notifications", ""},
		{http.MethodGet, "/notifications/unread-count", ""},
		{http.MethodPost, "/notifications/read-all", ""},
		{http.MethodPost, "/notifications/abc/read", ""},
		{http.MethodPost, "/notify-me", ""},
		{http.MethodPost, "/news", ""},
		{http.MethodPost, "/events/e1/register", ""},
		{http.MethodPost, "/bookings", ""},
		{http.MethodGet, "/notifications", ":no-uid"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			code, _ := f.do(t, tt.method, tt.path, tt.token, "")
			assert.Equal(t, http.StatusUnauthorized, code)
		})
	}
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(t, 100)
	f.create(t, "u1", "n1")
	f.create(t, "u1", "n2")
	f.create(t, "u2", "n3")

	code, body := f.do(t, http.MethodGet, "/notifications", "u1", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Notifications []notifier.Notification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list.Notifications, 2)
	for _, n := range list.Notifications {
		assert.Equal(t, "u1", n.RecipientID)
	}

	code, body = f.do(t, http.MethodGet, "/notifications/unread-count", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"count":2}`, body)

	// Another recipient's record cannot be marked.
	other := f.repo.ListForRecipient(context.Background(), "u2")
	require.Len(t, other, 1)
	code, _ = f.do(t, http.MethodPost, "/notifications/"+other[0].ID+"/read", "u1", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 1, f.repo.UnreadCount(context.Background(), "u2"))

	code, _ = f.do(t, http.MethodPost, "/notifications/"+list.Notifications[0].ID+"/read", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, f.repo.UnreadCount(context.Background(), "u1"))

	code, _ = f.do(t, http.MethodPost, "/notifications/read-all", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, f.repo.UnreadCount(context.Background(), "u1"))
	assert.Equal(t, 1, f.repo.UnreadCount(context.Background(), "u2"))
}

func TestNotifyMe(t *testing.T) {
	f := newFixture(t, 100)
	future := start.Add(72 * time.Hour).Format(time.RFC3339)
	past := start.Add(-time.Hour).Format(time.RFC3339)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{name: "past date", body: `{"eventId":"e1","eventTitle":"Gala","eventDate":"` + past + `"}`, wantCode: http.StatusBadRequest},
		{name: "missing title", body: `{"eventId":"e1","eventDate":"` + future + `"}`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"eventId":"e1","eventTitle":"Gala","eventDate":"` + future + `","x":1}`, wantCode: http.StatusBadRequest},
		{name: "empty body", body: "", wantCode: http.StatusBadRequest},
		{name: "saved", body: `{"eventId":"e1","eventTitle":"Gala","eventDate":"` + future + `"}`, wantCode: http.StatusOK, wantBody: `{"status":"subscribed"}`},
		{name: "duplicate", body: `{"eventId":"e1","eventTitle":"Gala","eventDate":"` + future + `"}`, wantCode: http.StatusOK, wantBody: `{"status":"already_requested"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/notify-me", "u1", tt.body)
			assert.Equal(t, tt.wantCode, code, body)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, body)
			}
		})
	}

	list := f.reqs.List(context.Background())
	require.Len(t, list, 1)
	assert.Equal(t, "u1", list[0].RecipientID)
	assert.True(t, start.Equal(list[0].RequestedAt), "requestedAt = %v", list[0].RequestedAt)
}

func TestNews(t *testing.T) {
	f := newFixture(t, 100)
	f.addUser(t, "en", "Manuscripts")
	f.addUser(t, "ar", "Arab Heritage")
	f.addUser(t, "")

	body := `{"newsId":"n1","title":"Rare Qurans","category":"Collections"}`
	code, _ := f.do(t, http.MethodPost, "/news", "u1", body)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := f.do(t, http.MethodPost, "/news", "staff::admin", body)
	require.Equal(t, http.StatusOK, code)
	var tally audience.Tally
	require.NoError(t, json.Unmarshal([]byte(resp), &tally))
	assert.Equal(t, audience.Tally{Checked: 3, Attempted: 1, Succeeded: 1}, tally)

	code, resp = f.do(t, http.MethodPost, "/news", "staff::admin", `{"newsId":"n2","title":"Closed Friday","category":"Announcements"}`)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal([]byte(resp), &tally))
	assert.Equal(t, 3, tally.Succeeded)
}

func TestRegisterSendsEmail(t *testing.T) {
	f := newFixture(t, 100)

	code, body := f.do(t, http.MethodPost, "/events/e7/register", "u1:visitor@example.com", `{"eventTitle":"Night Tour"}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"registered","emailSent":true}`, body)

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "visitor@example.com", sent[0].To)
	assert.Contains(t, sent[0].HTML, "Night Tour")

	list := f.repo.ListForRecipient(context.Background(), "u1")
	require.Len(t, list, 1)
	assert.Equal(t, notifier.KindEventRegistration, list[0].Kind)
	assert.Equal(t, "e7", list[0].RelatedID)

	// No email on the identity means no email is sent.
	code, body = f.do(t, http.MethodPost, "/events/e8/register", "u2", `{"eventTitle":"Day Tour"}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"registered","emailSent":false}`, body)
	assert.Len(t, f.mail.Sent(), 1)
}

func TestAvailable(t *testing.T) {
	f := newFixture(t, 100)
	uid := f.addUser(t, "ar")
	body := `{"userId":"` + uid + `","eventTitle":"Calligraphy Workshop"}`

	code, _ := f.do(t, http.MethodPost, "/events/e3/available", "u1", body)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(t, http.MethodPost, "/events/e3/available", "staff::admin", body)
	require.Equal(t, http.StatusOK, code)

	list := f.repo.ListForRecipient(context.Background(), uid)
	require.Len(t, list, 1)
	assert.Equal(t, notifier.KindEventUpcoming, list[0].Kind)
	want, _ := notifier.Localize(time.UTC, "ar").Upcoming("Calligraphy Workshop")
	assert.Equal(t, want, list[0].Title)
}

func TestBooking(t *testing.T) {
	f := newFixture(t, 100)

	code, _ := f.do(t, http.MethodPost, "/bookings", "u1", `{"visitInfo":"Museum entry","date":"2025-03-10","time":"10:00","totalVisitors":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	booking := `{"bookingId":"B-100","visitInfo":"Museum entry","date":"2025-03-10","time":"10:00",` +
		`"totalVisitors":3,"adults":2,"children":1,"total":45.5,"paymentMethod":"card"}`
	code, body := f.do(t, http.MethodPost, "/bookings", "u1:visitor@example.com", booking)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"confirmed","emailSent":true}`, body)

	list := f.repo.ListForRecipient(context.Background(), "u1")
	require.Len(t, list, 1)
	require.NotNil(t, list[0].BookingDetails)
	assert.Equal(t, "B-100", list[0].BookingDetails.BookingID)
	assert.Equal(t, 2, list[0].BookingDetails.Adults)
	assert.Len(t, f.mail.Sent(), 1)
}

func TestPoll(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	require.True(t, f.reqs.Add(ctx, notifier.PendingRequest{
		RecipientID: "u1", EventID: "soon", EventTitle: "Soon", EventDate: start.Add(3 * time.Hour),
	}))
	require.True(t, f.reqs.Add(ctx, notifier.PendingRequest{
		RecipientID: "u1", EventID: "later", EventTitle: "Later", EventDate: start.Add(72 * time.Hour),
	}))

	code, _ := f.do(t, http.MethodGet, "/pollz", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, body := f.do(t, http.MethodPost, "/pollz", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"completed","pending":2,"promoted":1,"purged":0,"failed":0}`, body)
	assert.Len(t, f.reqs.List(ctx), 1)
	assert.Equal(t, 1, f.repo.UnreadCount(ctx, "u1"))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, 2)

	for range 2 {
		code, _ := f.do(t, http.MethodPost, "/notifications/read-all", "u1", "")
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := f.do(t, http.MethodPost, "/notifications/read-all", "u1", "")
	assert.Equal(t, http.StatusTooManyRequests, code)

	// Reads are not limited.
	code, _ = f.do(t, http.MethodGet, "/notifications/unread-count", "u1", "")
	assert.Equal(t, http.StatusOK, code)

	// The fake clock never advances here, so refills only come from moving it.
	f.clk.Advance(5 * time.Second)
	code, _ = f.do(t, http.MethodPost, "/notifications/read-all", "u1", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 100)
	f.do(t, http.MethodGet, "/health", "", "")

	code, body := f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "http_requests_total")
	assert.Contains(t, body, `route="/health"`)
}

func readBadge(t *testing.T, conn *websocket.Conn, want badgeMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg badgeMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg == want {
			return
		}
	}
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSocketBadge(t *testing.T) {
	f := newFixture(t, 100)
	f.create(t, "u1", "n1")
	conn := dial(t, f)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "auth", Token: "u1"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "mount"}))
	readBadge(t, conn, badgeMessage{Type: "badge", Visible: true, Text: "1"})

	f.create(t, "u1", "n2")
	readBadge(t, conn, badgeMessage{Type: "badge", Visible: true, Text: "2"})

	require.True(t, f.repo.MarkAllRead(context.Background(), "u1"))
	readBadge(t, conn, badgeMessage{Type: "badge", Visible: false, Text: ""})

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "signout"}))
	readBadge(t, conn, badgeMessage{Type: "badge", Visible: false, Text: ""})
}

func TestSocketSwitchRecipient(t *testing.T) {
	f := newFixture(t, 100)
	f.create(t, "u1", "n1")
	for i := range 3 {
		f.create(t, "u2", "m"+strconv.Itoa(i))
	}
	conn := dial(t, f)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "mount"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "auth", Token: "u1"}))
	readBadge(t, conn, badgeMessage{Type: "badge", Visible: true, Text: "1"})

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "auth", Token: "u2"}))
	readBadge(t, conn, badgeMessage{Type: "badge", Visible: true, Text: "3"})

	// Only the u2 feed stays live.
	require.Eventually(t, func() bool { return f.store.Listeners() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSocketRejectsBadToken(t *testing.T) {
	f := newFixture(t, 100)
	conn := dial(t, f)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "auth", Token: ":missing"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg errorMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, errorMessage{Type: "error", Message: "invalid token"}, msg)
}

func TestSocketReleasesFeedOnDisconnect(t *testing.T) {
	f := newFixture(t, 100)
	conn := dial(t, f)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "mount"}))
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "auth", Token: "u1"}))
	readBadge(t, conn, badgeMessage{Type: "badge", Visible: false, Text: ""})
	require.Eventually(t, func() bool { return f.store.Listeners() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.store.Listeners() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "forwarded", xff: "203.0.113.9, 10.0.0.1", remote: "10.0.0.1:4000", want: "203.0.113.9"},
		{name: "remote v4", remote: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "remote v6", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "no port", remote: "192.0.2.1", want: "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	s := New(&Config{Logger: discard(), AllowedOrigins: []string{"https://museum.example"}})
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://museum.example", true},
		{"https://museum.example/path", true},
		{"https://evil.example", false},
		{"", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	open := New(&Config{Logger: discard()})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	if !open.checkOrigin(r) {
		t.Error("checkOrigin() with no allowed origins rejected a request")
	}
}
