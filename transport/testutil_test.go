package transport

import (
	"testing"
	"time"
)

func waitForEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
			return Event{}
		}
	}
}

// exerciseLink checks the connected/data/disconnected sequence on a pair of
// adapters where dialer has already connected to listener.
func exerciseLink(t *testing.T, dialer, listener Adapter) {
	t.Helper()

	dialerUp := waitForEvent(t, dialer.Events(), EventConnected)
	listenerUp := waitForEvent(t, listener.Events(), EventConnected)
	if dialerUp.DeviceID != "device-b" || listenerUp.DeviceID != "device-a" {
		t.Fatalf("unexpected peer ids: dialer saw %q, listener saw %q", dialerUp.DeviceID, listenerUp.DeviceID)
	}
	if listenerUp.DeviceName != "Alpha" {
		t.Fatalf("expected peer name Alpha, got %q", listenerUp.DeviceName)
	}

	if err := dialer.Send(dialerUp.Identifier, []byte(`{"id":"m1","type":"TEXT"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	data := waitForEvent(t, listener.Events(), EventData)
	if string(data.Payload) != `{"id":"m1","type":"TEXT"}` || data.DeviceID != "device-a" {
		t.Fatalf("unexpected data event: %+v", data)
	}
	if data.Identifier != listenerUp.Identifier {
		t.Fatalf("data identifier %q does not match link %q", data.Identifier, listenerUp.Identifier)
	}

	if err := listener.Broadcast([]byte(`{"id":"m2","type":"TEXT"}`)); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	reply := waitForEvent(t, dialer.Events(), EventData)
	if string(reply.Payload) != `{"id":"m2","type":"TEXT"}` {
		t.Fatalf("unexpected broadcast payload %q", reply.Payload)
	}

	if err := dialer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	down := waitForEvent(t, listener.Events(), EventDisconnected)
	if down.Identifier != listenerUp.Identifier {
		t.Fatalf("unexpected disconnect identifier %q", down.Identifier)
	}
}
