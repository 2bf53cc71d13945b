package proxy

import (
	"testing"

	"github.com/aegis-gateway/aegis/pkg/mcp"
)

type stubInvalidator struct{ ids []string }

func (s *stubInvalidator) InvalidateUpstream(id string) { s.ids = append(s.ids, id) }

func notification(t *testing.T, method string) *mcp.Message {
	t.Helper()
	msg, err := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","method":"`+method+`"}`), mcp.ServerToClient)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestHubBroadcastsToAllSubscribers(t *testing.T) {
	hub := NewNotificationHub(nil, testLogger())
	defer hub.Close()

	a := hub.Subscribe("client-a")
	b := hub.Subscribe("client-b")

	hub.Broadcast("up-1", notification(t, "notifications/resources/updated"))

	for name, ch := range map[string]<-chan *mcp.Message{"a": a, "b": b} {
		select {
		case msg := <-ch:
			if msg.Method() != "notifications/resources/updated" {
				t.Errorf("subscriber %s got %q", name, msg.Method())
			}
		default:
			t.Errorf("subscriber %s received nothing", name)
		}
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewNotificationHub(nil, testLogger())
	defer hub.Close()

	hub.Subscribe("slow")
	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Broadcast("up-1", notification(t, "notifications/resources/updated"))
	}
	if hub.Dropped() != 5 {
		t.Errorf("dropped = %d, want 5", hub.Dropped())
	}
}

func TestHubListChangedTriggersInvalidation(t *testing.T) {
	inv := &stubInvalidator{}
	hub := NewNotificationHub(inv, testLogger())
	defer hub.Close()

	hub.Broadcast("up-files", notification(t, "notifications/tools/list_changed"))
	hub.Broadcast("up-files", notification(t, "notifications/resources/updated"))
	hub.Broadcast("up-crm", notification(t, "notifications/resources/list_changed"))

	if len(inv.ids) != 2 || inv.ids[0] != "up-files" || inv.ids[1] != "up-crm" {
		t.Errorf("invalidations = %v, want [up-files up-crm]", inv.ids)
	}
}

func TestHubIgnoresNonNotifications(t *testing.T) {
	hub := NewNotificationHub(nil, testLogger())
	defer hub.Close()

	ch := hub.Subscribe("client")
	hub.Broadcast("up-1", request(t, 1, "tools/list", nil))

	select {
	case msg := <-ch:
		t.Errorf("request was broadcast: %s", msg.Raw)
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewNotificationHub(nil, testLogger())
	ch := hub.Subscribe("client")
	hub.Unsubscribe("client")

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	if hub.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", hub.Subscribers())
	}
}
