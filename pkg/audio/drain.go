package audio

// DrainPending discards every value currently buffered in ch without waiting
// for new ones or for the channel to close, and returns how many were
// discarded. Use it to release queued frames at teardown while a producer may
// still hold the channel.
func DrainPending[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
