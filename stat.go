package blockfetch

// Stat is a snapshot of a running instance's counters.
type Stat struct {
	ConnectedPeers    int
	PendingRequests   int
	MessagesReceived  uint64
	RequestsReceived  uint64
	ResponsesReceived uint64
	StatusReceived    uint64
	BlocksStored      uint64
	MessagesSent      uint64
}

// Stat returns aggregated statistics about blockfetch operations.
func (bs *Blockfetch) Stat() (*Stat, error) {
	st := new(Stat)

	bs.counterLk.Lock()
	c := bs.counters
	st.MessagesReceived = c.messagesRecvd
	st.RequestsReceived = c.requestsRecvd
	st.ResponsesReceived = c.responsesRecvd
	st.StatusReceived = c.statusRecvd
	st.BlocksStored = c.blocksStored
	bs.counterLk.Unlock()

	st.ConnectedPeers = bs.fetcher.NumConnectedPeers()
	st.PendingRequests = bs.fetcher.PendingRequests()
	st.MessagesSent = bs.network.Stats().MessagesSent

	return st, nil
}
