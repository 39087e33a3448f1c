package network

import "github.com/libp2p/go-libp2p-core/protocol"

type NetOpt func(*Settings)

type Settings struct {
	ProtocolPrefix     protocol.ID
	SupportedProtocols []protocol.ID
	Compression        bool
}

// Prefix prepends an identifier to every protocol ID, so private
// networks do not cross-talk with the public ones.
func Prefix(prefix protocol.ID) NetOpt {
	return func(s *Settings) {
		s.ProtocolPrefix = prefix
	}
}

// SupportedProtocols overrides the protocols spoken and accepted,
// in dial preference order.
func SupportedProtocols(protos []protocol.ID) NetOpt {
	return func(s *Settings) {
		s.SupportedProtocols = protos
	}
}

// Compression makes the network prefer the gzip protocol variant when
// dialing. Inbound compressed streams are accepted either way.
func Compression() NetOpt {
	return func(s *Settings) {
		s.Compression = true
	}
}
