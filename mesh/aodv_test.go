package mesh

import (
	"testing"
	"time"

	"meshlink/models"
	"meshlink/storage"
	"meshlink/transport"
)

func TestRouteDiscoveryAcrossRelay(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMeshNode(t, network, "A")
	b := newMeshNode(t, network, "B")
	c := newMeshNode(t, network, "C")
	connectNodes(t, a, b)
	connectNodes(t, b, c)

	if a.dispatcher.Routes().HasRoute("C") {
		t.Fatalf("A must not know C before discovery")
	}
	started, err := a.dispatcher.DiscoverRoute("C")
	if err != nil {
		t.Fatalf("DiscoverRoute failed: %v", err)
	}
	if !started {
		t.Fatalf("expected a route request to be sent")
	}

	waitForMeshEvent(t, a.dispatcher.Events(), EventRouteEstablished, "C", 3*time.Second)
	route, ok := a.dispatcher.Routes().Route("C")
	if !ok {
		t.Fatalf("route to C missing after discovery")
	}
	if route.NextHop != "B" || route.HopCount != 2 {
		t.Fatalf("expected C via B in 2 hops, got %+v", route)
	}
	if state := a.dispatcher.Discovery().State("C"); state != StateRouteEstablished {
		t.Fatalf("expected established state, got %s", state)
	}
	if a.dispatcher.Discovery().PendingRequests() != 0 {
		t.Fatalf("pending request should be cleared")
	}

	// B answered for its neighbor C and told C the way back to A.
	waitForCondition(t, 3*time.Second, func() bool {
		reverse, ok := c.dispatcher.Routes().Route("A")
		return ok && reverse.NextHop == "B" && reverse.HopCount == 2
	})

	again, err := a.dispatcher.DiscoverRoute("C")
	if err != nil || again {
		t.Fatalf("discovery with a known route should be a no-op, started=%v err=%v", again, err)
	}
}

func TestPrivateMessageAcrossRelayIsAcknowledged(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMeshNode(t, network, "A")
	b := newMeshNode(t, network, "B")
	c := newMeshNode(t, network, "C")
	connectNodes(t, a, b)
	connectNodes(t, b, c)

	sent, err := a.dispatcher.SendMessage(models.Message{ReceiverID: "C", Type: models.TypeText, Content: "hello C"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	ev := waitForMeshEvent(t, c.dispatcher.Events(), EventMessageReceived, "A", 3*time.Second)
	if ev.Message.ID != sent.ID || ev.Message.HopCount != 1 {
		t.Fatalf("unexpected delivery at C: %+v", ev.Message)
	}
	if _, err := b.store.GetMessageByID(sent.ID); err == nil {
		t.Fatalf("relay must not persist a private message for someone else")
	}

	waitForCondition(t, 3*time.Second, func() bool {
		msg, err := a.store.GetMessageByID(sent.ID)
		return err == nil && msg.DeliveryStatus == storage.StatusDelivered
	})
}

func TestKeysAnnouncedOnConnect(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMeshNode(t, network, "A")
	b := newMeshNode(t, network, "B")
	c := newMeshNode(t, network, "C")
	connectNodes(t, b, c)
	connectNodes(t, a, b)

	waitForCondition(t, 3*time.Second, func() bool {
		_, errBA := b.store.GetPeerKey("A")
		_, errAB := a.store.GetPeerKey("B")
		_, errCA := c.store.GetPeerKey("A")
		return errBA == nil && errAB == nil && errCA == nil
	})
}

func TestPendingRequestExpires(t *testing.T) {
	clock := newFakeClock()
	a := newTestDispatcher(t, "A", clock)
	a.linkUp(t, "B")

	started, err := a.DiscoverRoute("Z")
	if err != nil || !started {
		t.Fatalf("expected request, started=%v err=%v", started, err)
	}
	if again, _ := a.DiscoverRoute("Z"); again {
		t.Fatalf("second request while pending must be suppressed")
	}

	clock.Advance(PendingRequestTimeout + time.Second)
	if state := a.Discovery().State("Z"); state != StateNoRoute {
		t.Fatalf("expected expired request to read as no route, got %s", state)
	}
	if expired := a.Discovery().Cleanup(); expired != 1 {
		t.Fatalf("expected one expired request, got %d", expired)
	}
	if again, _ := a.DiscoverRoute("Z"); !again {
		t.Fatalf("discovery should be retriable after expiry")
	}
	requests := a.sender.framesOfType(models.TypeRouteRequest)
	if len(requests) != 2 || requests[1].msg.RouteSequence <= requests[0].msg.RouteSequence {
		t.Fatalf("expected two requests with increasing sequence, got %+v", requests)
	}
}

func TestRouteRequestHandling(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")
	b.linkUp(t, "C")

	request := models.Message{
		ID:            "rreq-1",
		SenderID:      "A",
		ReceiverID:    models.Broadcast,
		Type:          models.TypeRouteRequest,
		Content:       "Z",
		TTL:           10,
		OriginatorID:  "A",
		RouteSequence: 7,
		HopCount:      0,
		MaxHops:       10,
	}
	b.receive(t, "A", request)

	reverse, ok := b.Routes().Route("A")
	if !ok || reverse.NextHop != "A" || reverse.HopCount != 1 {
		t.Fatalf("expected reverse route to A, got %+v", reverse)
	}
	rebroadcast := b.sender.framesOfType(models.TypeRouteRequest)
	if len(rebroadcast) != 1 || rebroadcast[0].conn.DeviceID != "C" {
		t.Fatalf("expected rebroadcast to C only, got %+v", rebroadcast)
	}
	if rebroadcast[0].msg.HopCount != 1 || rebroadcast[0].msg.TTL != 9 {
		t.Fatalf("unexpected rebroadcast counters: %+v", rebroadcast[0].msg)
	}

	// Same originator and sequence under a new message id.
	request.ID = "rreq-1-copy"
	b.receive(t, "C", request)
	if got := len(b.sender.framesOfType(models.TypeRouteRequest)); got != 1 {
		t.Fatalf("duplicate request must be dropped, %d sent", got)
	}

	tooFar := request
	tooFar.ID = "rreq-2"
	tooFar.RouteSequence = 8
	tooFar.HopCount = 10
	b.receive(t, "A", tooFar)
	if got := len(b.sender.framesOfType(models.TypeRouteRequest)); got != 1 {
		t.Fatalf("request at max hops must be dropped, %d sent", got)
	}

	// An intermediate with a known route answers on behalf of the destination.
	b.Routes().AddRoute("Z", "C", 3, 0, 1)
	known := request
	known.ID = "rreq-3"
	known.RouteSequence = 9
	b.receive(t, "A", known)
	replies := b.sender.framesOfType(models.TypeRouteReply)
	if len(replies) != 1 {
		t.Fatalf("expected one route reply, got %d", len(replies))
	}
	reply := replies[0]
	if reply.conn.DeviceID != "A" || reply.msg.ReceiverID != "A" || reply.msg.Content != "Z" || reply.msg.HopCount != 3 || reply.msg.NextHop != "A" {
		t.Fatalf("unexpected route reply: %+v", reply.msg)
	}

	// A request for a direct neighbor is answered here, and the neighbor
	// is told the way back instead of receiving the request.
	forNeighbor := request
	forNeighbor.ID = "rreq-4"
	forNeighbor.RouteSequence = 10
	forNeighbor.Content = "C"
	b.receive(t, "A", forNeighbor)
	if got := len(b.sender.framesOfType(models.TypeRouteRequest)); got != 1 {
		t.Fatalf("request for a neighbor must not be rebroadcast, %d sent", got)
	}
	replies = b.sender.framesOfType(models.TypeRouteReply)
	if len(replies) != 3 {
		t.Fatalf("expected replies to A and C, got %+v", replies)
	}
	toC, toA := replies[1], replies[2]
	if toA.conn.DeviceID != "A" || toA.msg.Content != "C" || toA.msg.HopCount != 1 || toA.msg.RouteSequence != 10 {
		t.Fatalf("unexpected reply to originator: %+v", toA.msg)
	}
	if toC.conn.DeviceID != "C" || toC.msg.OriginatorID != "C" || toC.msg.Content != "A" || toC.msg.HopCount != 1 {
		t.Fatalf("unexpected reverse path reply to C: %+v", toC.msg)
	}
}

func TestRouteErrorInvalidatesRoutes(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	a.linkUp(t, "B")
	a.linkUp(t, "D")
	a.Routes().AddRoute("C", "B", 2, 0, 1)
	a.Routes().AddRoute("E", "C", 3, 0, 1)

	a.receive(t, "D", models.Message{
		ID:         "rerr-1",
		SenderID:   "D",
		ReceiverID: models.Broadcast,
		Type:       models.TypeRouteError,
		Content:    "C",
		TTL:        3,
	})

	if a.Routes().HasRoute("C") || a.Routes().HasRoute("E") {
		t.Fatalf("routes to and through C should be invalidated")
	}
	forwarded := a.sender.framesOfType(models.TypeRouteError)
	if len(forwarded) != 1 || forwarded[0].conn.DeviceID != "B" || forwarded[0].msg.TTL != 2 {
		t.Fatalf("expected route error forwarded to B with ttl 2, got %+v", forwarded)
	}
}
