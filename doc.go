// Package lobbynet implements the peer connection layer of a multiplayer
// session: every participant learns the candidate addresses of every other
// participant, tries to reach each of them directly over TCP and UDP, and
// falls back to relaying through the session host when no direct path exists.
//
// A Node owns the network IO and the peer roster and runs them on a single
// event loop. Transport callbacks, scheduled connection attempts and the
// deferred simultaneous-open dials are all serialized on that loop, so the
// roster never needs locks.
//
// # Getting Started
//
//	cfg, err := config.Load("lobby.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node, err := lobbynet.New(lobbynet.Options{
//	    Config: cfg,
//	    Self:   peer.Descriptor{ID: 2, Name: "bob"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnMessage(func(from int32, payload []byte) {
//	    fmt.Printf("%d: %s\n", from, payload)
//	})
//
//	node.Start()
//	node.Register(peer.Descriptor{ID: 0, Name: "host", IsHost: true})
//	node.Register(peer.Descriptor{ID: 2, Name: "bob"})
//	node.AddAddress(0, hostAddr)
//
// # Addressing
//
// Peer id 0 is the host. Every other peer connects to the host first; the
// host then sends each newcomer the addresses it knows, and peers announce
// addresses they learn to everyone they are connected to. A peer that cannot
// be reached directly still receives messages: the sender wraps them in a
// forward request that the host relays one hop.
//
// # Simultaneous Open
//
// Two peers behind stateful firewalls with public IPv6 addresses can still
// reach each other over TCP by dialling at the same moment from pre-bound
// ports. The peer with the lower id starts the exchange; see package nat.
package lobbynet
