package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWrapsPayload(t *testing.T) {
	env, err := Encode(OfferCancelled{RideID: "r1", Reason: ReasonAcceptedByAnother})
	require.NoError(t, err)
	assert.Equal(t, TypeOfferCancelled, env.Type)
	assert.JSONEq(t, `{"rideId":"r1","reason":"accepted_by_another_driver"}`, string(env.Payload))
}

func TestOfferNewNullDropoff(t *testing.T) {
	b, err := json.Marshal(OfferNew{RideID: "r1", Pickup: Location{Lat: 1, Lng: 2}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"dropoff":null`)
	assert.Contains(t, string(b), `"pickup":{"lat":1,"lng":2,"address":""}`)
}

func TestHTTPPushPostsMessage(t *testing.T) {
	var got pushBody
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPPush(srv.URL, "secret")
	require.NoError(t, p.PushToUser(context.Background(), "u1", DriverAssigned{RideID: "r1", DriverID: "d1", Status: "DRIVER_ASSIGNED"}))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "user-u1", got.Message.Topic)
	assert.Equal(t, "ride.driver_assigned", got.Message.Data["type"])
	assert.JSONEq(t, `{"rideId":"r1","driverId":"d1","status":"DRIVER_ASSIGNED"}`, got.Message.Data["payload"])
}

func TestHTTPPushReportsProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewHTTPPush(srv.URL, "").PushToUser(context.Background(), "u1", ErrorMessage{Message: "x"})
	assert.Error(t, err)
}

type recordingGateway struct {
	users []string
	err   error
}

func (r *recordingGateway) PushToUser(_ context.Context, userID string, _ Message) error {
	r.users = append(r.users, userID)
	return r.err
}

func TestFanoutFallsBackToPush(t *testing.T) {
	push := &recordingGateway{}
	f := &Fanout{WS: NewWSRegistry(), Push: push}
	require.NoError(t, f.PushToUser(context.Background(), "offline", ErrorMessage{}))
	assert.Equal(t, []string{"offline"}, push.users)
}

func TestFanoutWithoutPushReportsNoSession(t *testing.T) {
	f := &Fanout{WS: NewWSRegistry()}
	err := f.PushToUser(context.Background(), "offline", ErrorMessage{})
	assert.ErrorIs(t, err, ErrNoSession)

	f.Push = &recordingGateway{err: errors.New("provider down")}
	assert.Error(t, f.PushToUser(context.Background(), "offline", ErrorMessage{}))
}

// wsPair starts a server that registers every connection under the user id
// in the path and returns a dialed client.
func wsPair(t *testing.T, reg *WSRegistry, userID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := reg.Add(strings.TrimPrefix(r.URL.Path, "/"), conn)
		go func() {
			defer reg.Remove(s)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + userID
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWSRegistryDeliversEnvelope(t *testing.T) {
	reg := NewWSRegistry()
	client := wsPair(t, reg, "d1")
	require.Eventually(t, func() bool { return reg.Connected("d1") }, time.Second, 5*time.Millisecond)

	f := &Fanout{WS: reg, Push: &recordingGateway{}}
	require.NoError(t, f.PushToUser(context.Background(), "d1", OfferCancelled{RideID: "r1", Reason: ReasonOfferExpired}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, client.ReadJSON(&env))
	assert.Equal(t, TypeOfferCancelled, env.Type)
	var payload OfferCancelled
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, ReasonOfferExpired, payload.Reason)
}

func TestWSRegistryRemovesOnDisconnect(t *testing.T) {
	reg := NewWSRegistry()
	client := wsPair(t, reg, "d1")
	require.Eventually(t, func() bool { return reg.Connected("d1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return !reg.Connected("d1") }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, reg.PushToUser(context.Background(), "d1", ErrorMessage{}), ErrNoSession)
}
