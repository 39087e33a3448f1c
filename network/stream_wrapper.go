package network

import (
	"compress/gzip"
	"sync"

	"github.com/libp2p/go-libp2p-core/network"
	"go.uber.org/multierr"
)

// gzipStream compresses both directions of a libp2p stream. Message
// writes arrive as one Write call per encoded message, so flushing on
// every Write keeps messages from straddling the compressor's buffer
// without padding the stream between them.
type gzipStream struct {
	network.Stream

	wmu sync.Mutex
	zw  *gzip.Writer

	zr *gzip.Reader
}

func compressStream(s network.Stream) network.Stream {
	return &gzipStream{Stream: s, zw: gzip.NewWriter(s)}
}

func (gs *gzipStream) Write(b []byte) (int, error) {
	gs.wmu.Lock()
	defer gs.wmu.Unlock()
	n, err := gs.zw.Write(b)
	return n, multierr.Combine(err, gs.zw.Flush())
}

func (gs *gzipStream) Read(b []byte) (int, error) {
	if gs.zr == nil {
		// gzip.NewReader consumes the stream header, so this must wait
		// until the remote side has written something.
		zr, err := gzip.NewReader(gs.Stream)
		if err != nil {
			return 0, err
		}
		gs.zr = zr
	}

	n, err := gs.zr.Read(b)
	if err != nil {
		gs.zr.Close()
	}
	return n, err
}

func (gs *gzipStream) Close() error {
	gs.wmu.Lock()
	defer gs.wmu.Unlock()
	return multierr.Combine(gs.zw.Close(), gs.Stream.Close())
}
