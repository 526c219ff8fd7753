// Package transport implements the wire format and network IO underneath the
// peer connection layer.
//
// # Packets
//
// Every packet is a one-byte type followed by a type specific payload,
// encoded big-endian. Encode and Decode convert between packets and the
// typed messages of the layer:
//
//	packet, err := transport.Encode(&transport.AddrAnnouncement{
//	    ClientID: 3,
//	    Addr:     transport.NewAddress(endpoint, transport.ProtocolUDP),
//	})
//	if err != nil {
//	    return err
//	}
//	err = conn.Send(packet)
//
// Application payloads travel as PacketApplication and are opaque here.
//
// # Connections
//
// NetIO listens on one TCP and one UDP port. TCP connections carry
// length-prefixed packets; UDP pseudo connections share the listening socket
// and are keyed by remote endpoint. Both sides open a connection with a
// Hello/HelloAck exchange carrying the peer id, and NetIO only reports a
// connection once the remote identified as the expected peer, or as a peer
// allowed through AddAutoAccept for inbound connections.
//
// NetIO never calls back into its owner synchronously from an IO method:
// every result is delivered through the Events interface from the IO
// goroutines, and the owner is expected to serialize them.
//
// # Simultaneous Open
//
// BindStream reserves a TCP port with address and port reuse enabled and
// listens on it, so that ConnectWithSocket can later dial out from that same
// port. A dial and an inbound SYN from the peer then meet on one 4-tuple,
// whichever arrives first.
package transport
