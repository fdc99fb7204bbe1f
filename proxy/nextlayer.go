package proxy

// NextLayer defers the choice of a connection's child layer until the
// client handshake completed. Events seen before the decision are buffered
// and replayed in arrival order, prefixed with a fresh Start, once the
// selector picked the real layer.
type NextLayer struct {
	// Selector returns the layer that serves the connection. It runs at
	// the first QuicStart.
	Selector func() Layer

	layer  Layer
	buffer []Event
}

func (n *NextLayer) Handle(ev Event) []Command {
	if n.layer != nil {
		return n.layer.Handle(ev)
	}

	switch ev := ev.(type) {
	case Start:
		// Replayed into the selected layer later.
		return nil

	case QuicStart:
		n.layer = n.Selector()
		out := n.layer.Handle(Start{})
		for _, buffered := range n.buffer {
			out = append(out, n.layer.Handle(buffered)...)
		}
		n.buffer = nil
		return append(out, n.layer.Handle(ev)...)

	case ConnectionClosed:
		// The connection died before a layer was chosen; there is
		// nobody to notify.
		return nil

	default:
		n.buffer = append(n.buffer, ev)
		return nil
	}
}
