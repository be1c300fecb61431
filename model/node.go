package model

// Node is a worker that hosts operations.
type Node struct {
	ID string

	// Capacity is the total capacity the node advertises.
	Capacity float64
	// Used is capacity already occupied on the host when the node was polled.
	Used float64
	// Reserved is the provisional reservation made by a single packing
	// pass. It is never persisted; the next poll starts from zero.
	Reserved float64
}

// Free returns the capacity still available for new reservations.
func (n Node) Free() float64 {
	free := n.Capacity - n.Used - n.Reserved
	if free < 0 {
		return 0
	}
	return free
}
