package dashboard

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHubBroadcastEventReachesRegisteredClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	go hub.Run()

	client := &Client{hub: hub, send: make(chan []byte, 4)}
	hub.register <- client
	defer func() { hub.unregister <- client }()

	hub.BroadcastEvent(Event{Type: "launched", BacktestID: "bt-aaaa"})

	select {
	case msg := <-client.send:
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("Unmarshal() error: %v", err)
		}
		if evt.Type != "launched" || evt.BacktestID != "bt-aaaa" {
			t.Errorf("got %+v, want launched/bt-aaaa", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHubBroadcastEventWithNoClientsIsNoop(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	go hub.Run()

	hub.BroadcastEvent(Event{Type: "closed", BacktestID: "bt-bbbb"})
	time.Sleep(10 * time.Millisecond)
}
