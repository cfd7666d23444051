package orderbook

// envelope carries a mailbox message and, for Ask, the reply slot.
type envelope struct {
	msg   any
	reply chan any
}

type subscriberTerminated struct {
	id string
}

type snapshotSaved struct {
	seq uint64
	err error
}

type subscriberCount struct{}
