package readback

// AppState is the app-side mirror of a NodeState's status. Only the
// Synchronizer writes it.
type AppState struct {
	slot *Slot[Status]
}

// NewAppState returns an app state in Loading.
func NewAppState() *AppState {
	return &AppState{slot: NewSlot(StatusLoading)}
}

// Status returns the mirrored status.
func (a *AppState) Status() Status { return a.slot.Value() }

// Frame returns the frame in which the status was last mirrored.
func (a *AppState) Frame() uint64 {
	_, f := a.slot.Load()
	return f
}

// Synchronizer copies a NodeState's status into an AppState once per frame
// at the hand-off point between the render and app contexts.
type Synchronizer struct {
	node *NodeState
	app  *AppState
}

// NewSynchronizer panics if node or app is nil.
func NewSynchronizer(node *NodeState, app *AppState) *Synchronizer {
	if node == nil || app == nil {
		panic("readback: synchronizer requires a node state and an app state")
	}
	return &Synchronizer{node: node, app: app}
}

// Sync publishes the node's status for frame. It always writes, whether or
// not the status changed.
func (s *Synchronizer) Sync(frame uint64) {
	s.app.slot.Publish(frame, s.node.Status())
}
