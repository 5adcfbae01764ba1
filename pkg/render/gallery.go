package render

import "sync"

// Gallery keeps the remote views in arrival order.
type Gallery struct {
	mu    sync.RWMutex
	views []*View
}

// NewGallery creates an empty gallery.
func NewGallery() *Gallery {
	return &Gallery{}
}

// Add appends v.
func (g *Gallery) Add(v *View) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.views = append(g.views, v)
}

// Remove detaches and closes v. It reports whether v was present.
func (g *Gallery) Remove(v *View) bool {
	g.mu.Lock()
	found := false
	for i, view := range g.views {
		if view == v {
			g.views = append(g.views[:i], g.views[i+1:]...)
			found = true
			break
		}
	}
	g.mu.Unlock()

	if found {
		v.Close()
	}
	return found
}

// Clear closes and drops every view.
func (g *Gallery) Clear() {
	g.mu.Lock()
	views := g.views
	g.views = nil
	g.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}

// Views returns a snapshot of the current views.
func (g *Gallery) Views() []*View {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*View, len(g.views))
	copy(out, g.views)
	return out
}

// Len returns the number of views.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.views)
}
