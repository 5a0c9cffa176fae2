package simulator

import "testing"

func TestLatencyNetworkDelivery(t *testing.T) {
	loop := NewEventLoop()
	node1 := NewNode(loop)
	node2 := NewNode(loop)
	network := &LatencyNetwork{Latency: 3.0, Rate: 2.0}

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{
			Source:  node1,
			Dest:    node2,
			Payload: "hi node 2",
			Size:    124.0,
		})
		if val := node1.Recv(h).Payload; val != "hi node 1" {
			t.Errorf("unexpected message: %v", val)
		}
	})
	loop.Go(func(h *Handle) {
		network.Send(h, &Message{
			Source:  node2,
			Dest:    node1,
			Payload: "hi node 1",
			Size:    124.0,
		})
		if val := node2.Recv(h).Payload; val != "hi node 2" {
			t.Errorf("unexpected message: %v", val)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	expectedTime := 3.0 + 124.0/2.0
	if loop.Time() != expectedTime {
		t.Errorf("time should be %f but got %f", expectedTime, loop.Time())
	}
}

// TestLatencyNetworkFIFO sends a large message followed by a small one on
// the same link and checks that they still arrive in order.
func TestLatencyNetworkFIFO(t *testing.T) {
	loop := NewEventLoop()
	node1 := NewNode(loop)
	node2 := NewNode(loop)
	network := &LatencyNetwork{Latency: 0.0, Rate: 1.0}

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: node1, Dest: node2, Payload: "big", Size: 100.0})
		network.Send(h, &Message{Source: node1, Dest: node2, Payload: "small", Size: 1.0})
	})
	loop.Go(func(h *Handle) {
		if val := node2.Recv(h).Payload; val != "big" {
			t.Errorf("expected big first but got %v", val)
		}
		if h.Time() != 100.0 {
			t.Errorf("expected time 100 but got %f", h.Time())
		}
		if val := node2.Recv(h).Payload; val != "small" {
			t.Errorf("expected small second but got %v", val)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestSharedLinkNetworkBroadcastCost(t *testing.T) {
	loop := NewEventLoop()
	nodes := make([]*Node, 4)
	for i := range nodes {
		nodes[i] = NewNode(loop)
	}
	network := &SharedLinkNetwork{Latency: 2.0, SendRate: 8.0}

	loop.Go(func(h *Handle) {
		msgs := make([]*Message, 0, 3)
		for _, dst := range nodes[1:] {
			msgs = append(msgs, &Message{
				Source:  nodes[0],
				Dest:    dst,
				Payload: "shard",
				Size:    16.0,
			})
		}
		network.Send(h, msgs...)
	})
	for _, node := range nodes[1:] {
		n := node
		loop.Go(func(h *Handle) {
			n.Recv(h)
			// Three concurrent copies share the sender's rate.
			expected := 2.0 + 16.0/(8.0/3.0)
			if h.Time() != expected {
				t.Errorf("expected time %f but got %f", expected, h.Time())
			}
		})
	}

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}
