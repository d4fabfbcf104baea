package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dealroom/internal/config"
	"github.com/npezzotti/go-dealroom/internal/crypter"
	"github.com/npezzotti/go-dealroom/internal/database"
	"github.com/npezzotti/go-dealroom/internal/identity"
	"github.com/npezzotti/go-dealroom/internal/invite"
	"github.com/npezzotti/go-dealroom/internal/presence"
	"github.com/npezzotti/go-dealroom/internal/stats"
	"github.com/npezzotti/go-dealroom/internal/testutil"
	"github.com/npezzotti/go-dealroom/internal/token"
	"github.com/npezzotti/go-dealroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// base64 of "some_secret_signing_key"
const testSecret = "c29tZV9zZWNyZXRfc2lnbmluZ19rZXk="

type testApp struct {
	*RoomApp
	repo     *database.MemoryRepository
	modToken string
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.NewConfig(":0", config.MemoryDSN, testSecret, []string{"https://deals.example.com"},
		config.WithBaseURL("https://deals.example.com"),
		config.WithBcryptCost(bcrypt.MinCost),
	)
	require.NoError(t, err)

	return cfg
}

func newTestAppWithRepo(t *testing.T, repo database.Repository) *RoomApp {
	t.Helper()

	cfg := newTestConfig(t)
	logger := testutil.TestLogger(t)
	sp := stats.NewPermissiveMock()

	keys, err := crypter.NewKeyring(cfg.SigningKey)
	require.NoError(t, err)

	ids := identity.NewManager(repo, keys, logger, sp)
	hub := presence.NewHub(logger, ids, sp)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	svc := Services{
		Codec:    token.NewCodec(keys, token.WithTTL(cfg.AccessTokenTTL), token.WithRoomIDTTL(cfg.RoomIDTTL)),
		Identity: ids,
		Invites: invite.NewService(repo, keys, logger, sp,
			invite.WithBcryptCost(cfg.BcryptCost),
			invite.WithBaseURL(cfg.BaseURL),
		),
		Hub: hub,
	}

	return NewRoomApp(http.NewServeMux(), logger, repo, svc, sp, cfg)
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	repo := database.NewMemoryRepository()
	app := newTestAppWithRepo(t, repo)

	tok, err := CreateModeratorToken(app.signingKey, time.Hour)
	require.NoError(t, err)

	return &testApp{RoomApp: app, repo: repo, modToken: tok}
}

// browser keeps cookies between requests the way a user agent would.
type browser struct {
	t       *testing.T
	app     *testApp
	cookies map[string]*http.Cookie
}

func (a *testApp) browser(t *testing.T) *browser {
	return &browser{t: t, app: a, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) do(method, path string, body any) *httptest.ResponseRecorder {
	b.t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(b.t, err)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("User-Agent", "test-agent")
	for _, c := range b.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	rr := httptest.NewRecorder()
	b.app.Handler().ServeHTTP(rr, req)

	for _, c := range rr.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
		} else {
			b.cookies[c.Name] = c
		}
	}

	return rr
}

func (b *browser) cookieHeader() string {
	var parts []string
	for _, c := range b.cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (a *testApp) moderator(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+a.modToken)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func (a *testApp) createRoom(t *testing.T) types.Room {
	t.Helper()

	rr := a.moderator(t, http.MethodPost, "/api/rooms", nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[types.Room](t, rr)
}

func (a *testApp) createLink(t *testing.T, room types.Room, role types.Role, pin string) types.Link {
	t.Helper()

	rr := a.moderator(t, http.MethodPost, "/api/rooms/"+room.OpaqueId+"/links", CreateLinkRequest{Role: string(role), Pin: pin})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[types.Link](t, rr)
}

func (b *browser) join(link types.Link, name string) JoinResponse {
	b.t.Helper()

	rr := b.do(http.MethodPost, "/api/join/"+link.Token, JoinRequest{DisplayName: name})
	require.Equal(b.t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[JoinResponse](b.t, rr)
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)

	rr := app.browser(t).do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(requestIdHeader))
}

func TestHealthz_DatabaseDown(t *testing.T) {
	repo := new(database.MockRepository)
	repo.On("Ping", mock.Anything).Return(errors.New("connection refused"))

	app := newTestAppWithRepo(t, repo)

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	repo.AssertExpectations(t)
}

func TestCreateRoom(t *testing.T) {
	app := newTestApp(t)

	t.Run("requires moderator", func(t *testing.T) {
		rr := app.browser(t).do(http.MethodPost, "/api/rooms", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("ok", func(t *testing.T) {
		room := app.createRoom(t)

		assert.NotZero(t, room.Id)
		assert.True(t, strings.HasPrefix(room.OpaqueId, token.RoomIDPrefix), room.OpaqueId)
		assert.Equal(t, "https://deals.example.com/rooms/"+room.OpaqueId, room.ShowURL)
		assert.False(t, room.HasBuyer)
		assert.False(t, room.HasSeller)
	})
}

func TestGetRoom(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)
	b := app.browser(t)

	tcases := []struct {
		name string
		ref  string
		code int
	}{
		{"opaque id", room.OpaqueId, http.StatusOK},
		{"tampered opaque id", room.OpaqueId[:len(room.OpaqueId)-2] + "xx", http.StatusNotFound},
		{"unknown room", "999", http.StatusNotFound},
		{"garbage", "rm_garbage", http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := b.do(http.MethodGet, "/api/rooms/"+tc.ref, nil)
			assert.Equal(t, tc.code, rr.Code, rr.Body.String())
			if tc.code == http.StatusOK {
				v := decode[types.Room](t, rr)
				assert.Equal(t, room.Id, v.Id)
			}
		})
	}
}

func TestCreateLink(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)

	t.Run("ok", func(t *testing.T) {
		link := app.createLink(t, room, types.RoleBuyer, "")

		assert.Equal(t, room.Id, link.RoomId)
		assert.Equal(t, types.RoleBuyer, link.Role)
		assert.Equal(t, "https://deals.example.com/join/"+link.Token, link.URL)
		assert.True(t, link.ExpiresAt.After(time.Now()))
	})

	t.Run("unknown role", func(t *testing.T) {
		rr := app.moderator(t, http.MethodPost, "/api/rooms/"+room.OpaqueId+"/links", CreateLinkRequest{Role: "broker"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown room", func(t *testing.T) {
		rr := app.moderator(t, http.MethodPost, "/api/rooms/424242/links", CreateLinkRequest{Role: "buyer"})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("requires moderator", func(t *testing.T) {
		rr := app.browser(t).do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/links", CreateLinkRequest{Role: "buyer"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestPreviewJoin(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)
	buyerLink := app.createLink(t, room, types.RoleBuyer, "")

	t.Run("fresh link", func(t *testing.T) {
		rr := app.browser(t).do(http.MethodGet, "/api/join/"+buyerLink.Token, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		v := decode[PreviewResponse](t, rr)
		assert.True(t, strings.HasPrefix(v.RoomId, token.RoomIDPrefix), v.RoomId)
		assert.Equal(t, types.RoleBuyer, v.Role)
		assert.False(t, v.RequiresPin)
		assert.True(t, v.Decision.CanJoin)
		assert.Equal(t, "join", v.Decision.Action)
	})

	t.Run("tampered link", func(t *testing.T) {
		mid := len(buyerLink.Token) / 2
		flip := "A"
		if buyerLink.Token[mid] == 'A' {
			flip = "B"
		}
		tok := buyerLink.Token[:mid] + flip + buyerLink.Token[mid+1:]

		rr := app.browser(t).do(http.MethodGet, "/api/join/"+tok, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, deadLinkMessage, decode[ApiError](t, rr).Message)
	})

	t.Run("taken role is a dead link", func(t *testing.T) {
		app.browser(t).join(buyerLink, "Alice")

		rr := app.browser(t).do(http.MethodGet, "/api/join/"+buyerLink.Token, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, deadLinkMessage, decode[ApiError](t, rr).Message)
	})
}

func TestJoin_PinProtectedLink(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)
	link := app.createLink(t, room, types.RoleBuyer, "4821")

	tcases := []struct {
		name   string
		query  string
		code   int
		reason types.Reason
	}{
		{"missing pin", "", http.StatusForbidden, types.ReasonPinRequired},
		{"wrong pin", "?pin=0000", http.StatusForbidden, types.ReasonPinInvalid},
		{"right pin", "?pin=4821", http.StatusOK, ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := app.browser(t).do(http.MethodGet, "/api/join/"+link.Token+tc.query, nil)
			require.Equal(t, tc.code, rr.Code, rr.Body.String())
			if tc.reason != "" {
				assert.Equal(t, tc.reason, decode[ApiError](t, rr).Reason)
			} else {
				assert.True(t, decode[PreviewResponse](t, rr).RequiresPin)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)
	buyerLink := app.createLink(t, room, types.RoleBuyer, "")
	sellerLink := app.createLink(t, room, types.RoleSeller, "")

	alice := app.browser(t)
	resp := alice.join(buyerLink, "Alice")

	assert.Equal(t, types.RoleBuyer, resp.Session.Role)
	assert.Equal(t, "Alice", resp.Session.DisplayName)
	assert.Equal(t, "join", resp.Decision.Action)

	require.Contains(t, alice.cookies, identity.IdentityCookieName)
	uid := alice.cookies[identity.IdentityCookieName].Value
	assert.True(t, identity.IsIdentity(uid))
	cookieName := app.ids.CookieName(room.Id, types.RoleBuyer, uid)
	require.Contains(t, alice.cookies, cookieName)
	assert.True(t, alice.cookies[cookieName].HttpOnly)

	t.Run("same identity reconnects", func(t *testing.T) {
		resp := alice.join(buyerLink, "Alice")
		assert.Equal(t, "reconnect", resp.Decision.Action)
	})

	t.Run("second identity gets the alternative role", func(t *testing.T) {
		bob := app.browser(t)
		rr := bob.do(http.MethodPost, "/api/join/"+buyerLink.Token, JoinRequest{DisplayName: "Bob"})
		require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

		e := decode[ApiError](t, rr)
		assert.Equal(t, types.ReasonRoleUnavailable, e.Reason)
		assert.Equal(t, types.RoleSeller, e.AlternativeRole)

		resp := bob.join(sellerLink, "Bob")
		assert.Equal(t, types.RoleSeller, resp.Session.Role)
	})

	t.Run("room shows both participants", func(t *testing.T) {
		rr := alice.do(http.MethodGet, "/api/rooms/"+room.OpaqueId, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		v := decode[types.Room](t, rr)
		assert.True(t, v.HasBuyer)
		assert.True(t, v.HasSeller)
		assert.Len(t, v.Sessions, 2)
		assert.NotContains(t, rr.Body.String(), alice.cookies[cookieName].Value)
	})
}

func TestSwitchRole(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)
	buyerLink := app.createLink(t, room, types.RoleBuyer, "")

	alice := app.browser(t)
	alice.join(buyerLink, "Alice")
	uid := alice.cookies[identity.IdentityCookieName].Value

	t.Run("not a participant", func(t *testing.T) {
		rr := app.browser(t).do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/switch", SwitchRoleRequest{Role: "seller"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("unknown role", func(t *testing.T) {
		rr := alice.do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/switch", SwitchRoleRequest{Role: "broker"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("ok", func(t *testing.T) {
		rr := alice.do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/switch", SwitchRoleRequest{Role: "seller"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		v := decode[JoinResponse](t, rr)
		assert.Equal(t, types.RoleSeller, v.Session.Role)
		assert.Equal(t, "switch_role", v.Decision.Action)

		assert.NotContains(t, alice.cookies, app.ids.CookieName(room.Id, types.RoleBuyer, uid))
		assert.Contains(t, alice.cookies, app.ids.CookieName(room.Id, types.RoleSeller, uid))

		o, err := app.repo.GetOccupancy(t.Context(), room.Id)
		require.NoError(t, err)
		assert.False(t, o.HasBuyer)
		assert.True(t, o.HasSeller)
	})
}

func TestJoin_SwitchThroughLink(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)

	alice := app.browser(t)
	alice.join(app.createLink(t, room, types.RoleBuyer, ""), "Alice")
	uid := alice.cookies[identity.IdentityCookieName].Value

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/presence?room=" + room.OpaqueId

	header := http.Header{}
	header.Set("Cookie", alice.cookieHeader())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	// the heartbeat reply means the connection is registered with the hub
	require.NoError(t, conn.WriteJSON(presence.ClientMessage{Id: 1, Heartbeat: &presence.Heartbeat{}}))
	var msg presence.ServerMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for msg.Response == nil {
		msg = presence.ServerMessage{}
		require.NoError(t, conn.ReadJSON(&msg))
	}

	v := alice.join(app.createLink(t, room, types.RoleSeller, ""), "Alice")
	assert.Equal(t, "switch_role", v.Decision.Action)
	assert.Equal(t, types.RoleSeller, v.Session.Role)

	assert.NotContains(t, alice.cookies, app.ids.CookieName(room.Id, types.RoleBuyer, uid))
	assert.Contains(t, alice.cookies, app.ids.CookieName(room.Id, types.RoleSeller, uid))

	var closed *presence.Closed
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for closed == nil {
		msg = presence.ServerMessage{}
		require.NoError(t, conn.ReadJSON(&msg), "expected the buyer connection to be closed")
		if msg.Notification != nil {
			closed = msg.Notification.Closed
		}
	}
	assert.Equal(t, presence.ReasonSwitched, closed.Reason)

	o, err := app.repo.GetOccupancy(t.Context(), room.Id)
	require.NoError(t, err)
	assert.False(t, o.HasBuyer)
	assert.True(t, o.HasSeller)
}

func TestLeaveRoom(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)
	buyerLink := app.createLink(t, room, types.RoleBuyer, "")

	alice := app.browser(t)
	alice.join(buyerLink, "Alice")

	rr := alice.do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/leave", nil)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = alice.do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/leave", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// the role is free again
	resp := app.browser(t).join(buyerLink, "Carol")
	assert.Equal(t, "Carol", resp.Session.DisplayName)
}

func TestResetRoom(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)
	app.browser(t).join(app.createLink(t, room, types.RoleBuyer, ""), "Alice")
	app.browser(t).join(app.createLink(t, room, types.RoleSeller, ""), "Bob")

	rr := app.moderator(t, http.MethodPost, "/api/rooms/"+room.OpaqueId+"/reset", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, int64(2), decode[CountResponse](t, rr).Count)

	o, err := app.repo.GetOccupancy(t.Context(), room.Id)
	require.NoError(t, err)
	assert.True(t, o.IsFree)
}

func TestInvitations(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)

	alice := app.browser(t)
	alice.join(app.createLink(t, room, types.RoleBuyer, ""), "Alice")

	t.Run("outsider cannot invite", func(t *testing.T) {
		rr := app.browser(t).do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/invitations",
			CreateInvitationRequest{Email: "bob@example.com", Role: "seller"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid email", func(t *testing.T) {
		rr := alice.do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/invitations",
			CreateInvitationRequest{Email: "bob", Role: "seller"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	rr := alice.do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/invitations",
		CreateInvitationRequest{Email: "Bob@Example.com", Role: "seller"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	inv := decode[types.Invitation](t, rr)
	assert.Len(t, inv.Pin, invite.PinLength)
	assert.Equal(t, "b***@example.com", inv.Email)
	tok := strings.TrimPrefix(inv.URL, "https://deals.example.com/invite/")
	require.True(t, strings.HasPrefix(tok, invite.TokenPrefix), inv.URL)

	bob := app.browser(t)

	t.Run("lookup hides the pin", func(t *testing.T) {
		rr := bob.do(http.MethodGet, "/api/invite/"+tok, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		v := decode[types.Invitation](t, rr)
		assert.Empty(t, v.Pin)
		assert.Equal(t, types.RoleSeller, v.Role)
	})

	t.Run("wrong pin", func(t *testing.T) {
		wrong := "000000"
		if inv.Pin == wrong {
			wrong = "111111"
		}

		rr := bob.do(http.MethodPost, "/api/invite/"+tok+"/redeem", RedeemRequest{Pin: wrong, DisplayName: "Bob"})
		require.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, types.ReasonPinInvalid, decode[ApiError](t, rr).Reason)
	})

	t.Run("redeem", func(t *testing.T) {
		rr := bob.do(http.MethodPost, "/api/invite/"+tok+"/redeem", RedeemRequest{Pin: inv.Pin, DisplayName: "Bob"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		v := decode[JoinResponse](t, rr)
		assert.Equal(t, types.RoleSeller, v.Session.Role)
		require.NotNil(t, v.Invitation)
		assert.NotNil(t, v.Invitation.AcceptedAt)
		assert.NotNil(t, v.Invitation.JoinedAt)
	})

	t.Run("only the inviter may revoke", func(t *testing.T) {
		rr := bob.do(http.MethodDelete, "/api/invite/"+tok, nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		rr = alice.do(http.MethodDelete, "/api/invite/"+tok, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = bob.do(http.MethodGet, "/api/invite/"+tok, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.False(t, decode[types.Invitation](t, rr).IsActive)
	})

	t.Run("tampered token", func(t *testing.T) {
		rr := bob.do(http.MethodGet, "/api/invite/inv_AAAA", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestRedeemInvitation_Lockout(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)

	alice := app.browser(t)
	alice.join(app.createLink(t, room, types.RoleBuyer, ""), "Alice")

	rr := alice.do(http.MethodPost, "/api/rooms/"+room.OpaqueId+"/invitations",
		CreateInvitationRequest{Email: "bob@example.com", Role: "seller"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	inv := decode[types.Invitation](t, rr)
	tok := strings.TrimPrefix(inv.URL, "https://deals.example.com/invite/")

	wrong := "000000"
	if inv.Pin == wrong {
		wrong = "111111"
	}

	bob := app.browser(t)
	for i := 1; i < invite.MaxAttempts; i++ {
		rr := bob.do(http.MethodPost, "/api/invite/"+tok+"/redeem", RedeemRequest{Pin: wrong})
		require.Equal(t, http.StatusForbidden, rr.Code, "attempt %d", i)
	}

	rr = bob.do(http.MethodPost, "/api/invite/"+tok+"/redeem", RedeemRequest{Pin: wrong})
	require.Equal(t, http.StatusTooManyRequests, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	e := decode[ApiError](t, rr)
	assert.Equal(t, types.ReasonPinLocked, e.Reason)
	require.NotNil(t, e.UnlockAt)
	assert.WithinDuration(t, time.Now().Add(invite.LockDuration), *e.UnlockAt, time.Minute)

	// the right pin does not help while locked
	rr = bob.do(http.MethodPost, "/api/invite/"+tok+"/redeem", RedeemRequest{Pin: inv.Pin})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestMigrateSessions(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)

	legacy := strings.Repeat("ab", 16)
	_, err := app.repo.CreateRoomUser(t.Context(), database.CreateRoomUserParams{
		RoomId:       room.Id,
		Role:         types.RoleBuyer,
		DisplayName:  "Dave",
		SessionToken: legacy,
		Now:          time.Now(),
	})
	require.NoError(t, err)

	b := app.browser(t)
	name := identity.LegacyCookieName(room.Id, types.RoleBuyer)
	b.cookies[name] = &http.Cookie{Name: name, Value: legacy}

	rr := b.do(http.MethodPost, "/api/sessions/migrate", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	v := decode[MigrateResponse](t, rr)
	require.Len(t, v.Migrated, 1)
	assert.Equal(t, "Dave", v.Migrated[0].DisplayName)
	assert.Equal(t, 0, v.Skipped)

	assert.NotContains(t, b.cookies, name)
	require.Contains(t, b.cookies, identity.IdentityCookieName)
	uid := b.cookies[identity.IdentityCookieName].Value
	assert.Contains(t, b.cookies, app.ids.CookieName(room.Id, types.RoleBuyer, uid))

	// the migrated session keeps working
	rr = b.do(http.MethodGet, "/api/join/"+app.createLink(t, room, types.RoleBuyer, "").Token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "reconnect", decode[PreviewResponse](t, rr).Decision.Action)

	t.Run("replayed legacy cookie is skipped", func(t *testing.T) {
		replay := app.browser(t)
		replay.cookies[name] = &http.Cookie{Name: name, Value: legacy}

		rr := replay.do(http.MethodPost, "/api/sessions/migrate", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		v := decode[MigrateResponse](t, rr)
		assert.Empty(t, v.Migrated)
		assert.Equal(t, 1, v.Skipped)
	})
}

func TestCleanupSessions(t *testing.T) {
	app := newTestApp(t)

	rr := app.browser(t).do(http.MethodPost, "/api/moderator/cleanup", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = app.moderator(t, http.MethodPost, "/api/moderator/cleanup", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(0), decode[CountResponse](t, rr).Count)
}

func TestServePresence(t *testing.T) {
	app := newTestApp(t)
	room := app.createRoom(t)

	alice := app.browser(t)
	alice.join(app.createLink(t, room, types.RoleBuyer, ""), "Alice")

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/presence?room=" + room.OpaqueId

	t.Run("without a session", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("heartbeat", func(t *testing.T) {
		header := http.Header{}
		header.Set("Cookie", alice.cookieHeader())

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(presence.ClientMessage{Id: 1, Heartbeat: &presence.Heartbeat{}}))

		var msg presence.ServerMessage
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotNil(t, msg.Response)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
	})
}
