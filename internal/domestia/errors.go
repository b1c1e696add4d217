package domestia

import "errors"

var (
	// ErrNoData is returned by ReadStates when no state frame has ever been
	// observed and the poll did not produce one.
	ErrNoData = errors.New("domestia: no state data received from controller")

	// ErrNoDatagram is returned by Transport.Receive on timeout, on any receive
	// error and for datagrams from a foreign source address.
	ErrNoDatagram = errors.New("domestia: no datagram")

	// ErrDiscoveryFailed is returned when the hardware type query gets no valid reply.
	ErrDiscoveryFailed = errors.New("domestia: hardware type query failed")

	// ErrClosed is returned by Client.Send and Client.ReadStates after Close.
	ErrClosed = errors.New("domestia: client closed")
)
