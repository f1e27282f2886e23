package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/proximity-matching/internal/models"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe("s1")
	b := h.Subscribe("s1")
	other := h.Subscribe("s2")
	assert.Equal(t, 2, h.Subscribers("s1"))

	h.SearchChanged(models.SearchRequest{ID: "s1", Status: models.StatusReady})
	assert.Equal(t, models.StatusReady, (<-a.C).Status)
	assert.Equal(t, models.StatusReady, (<-b.C).Status)
	select {
	case <-other.C:
		t.Fatal("s2 subscriber got an s1 update")
	default:
	}

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	_, open := <-a.C
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers("s1"))
}

func TestHubNeverBlocks(t *testing.T) {
	h := NewHub(nil)
	s := h.Subscribe("s1")
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer*4; i++ {
			h.SearchChanged(models.SearchRequest{ID: "s1", Status: models.StatusPending})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SearchChanged blocked on a slow subscriber")
	}
	assert.Len(t, s.C, subscriptionBuffer)
}

func TestWebhookPostsTerminalOnly(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, nil)
	wh.SearchChanged(models.SearchRequest{ID: "s1", Status: models.StatusPending})
	wh.SearchChanged(models.SearchRequest{ID: "s1", RequesterID: "u1", Status: models.StatusReady, Results: []models.Match{{ParticipantID: "w1"}}})
	wh.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].RequestID)
	assert.Equal(t, models.StatusReady, got[0].Status)
	assert.Equal(t, "w1", got[0].Results[0].ParticipantID)
}

func TestWebhookReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	wh := NewWebhook(srv.URL, nil)
	err := wh.Deliver(t.Context(), Notification{RequestID: "s1"})
	assert.ErrorContains(t, err, "502")
}

func TestWSSessionSend(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s := NewWSSession(conn, time.Second)
		_ = s.Send(Notification{RequestID: "s1", Status: models.StatusCancelled})
		_ = s.Close("done")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	var n Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, models.StatusCancelled, n.Status)
}
