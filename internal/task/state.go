package task

type State string

const (
	StateCreated     State = "created"
	StateResolving   State = "resolving"
	StateDownloading State = "downloading"
	StateMerging     State = "merging"
	StateComplete    State = "complete"
	StateError       State = "error"
	StateCancelled   State = "cancelled"
)

// Terminal states are never left.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

// cancellable reports whether a cancel request is still honoured.
func (s State) cancellable() bool {
	return s == StateCreated || s == StateResolving || s == StateDownloading
}
