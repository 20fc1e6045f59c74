package core

import (
	"encoding/json"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sigmap/fabric/pkg/fabric/types"
	"golang.org/x/net/ipv4"
)

// DefaultBusAddress is the well-known multicast group every device joins
// (spec.md §6).
const DefaultBusAddress = "224.0.1.3:7570"

// multicastTTL is fixed at 1: control traffic never leaves the local
// network segment (spec.md §4.1).
const multicastTTL = 1

// inboundQueueSize bounds the transport's internal decode buffer; poll only
// ever drains 10 per tick (spec.md §4.1), so this just absorbs bursts
// between polls.
const inboundQueueSize = 256

// envelope is the wire frame around one Message: a (path, args) pair plus
// the sender's mesh address, so replies can be routed back over unicast
// without a second lookup. Encoding itself is an opaque concern (spec.md
// §1); JSON is the adapter's chosen concrete format.
type envelope struct {
	Path string     `json:"path"`
	Args []types.Arg `json:"args"`
	From string     `json:"from"`
}

// Codec turns a Message into bytes and back. The wire codec proper (an
// OSC-like typed-argument format) is an external collaborator per spec.md
// §1; Codec is the seam a host program can swap in a real implementation
// of it without touching the transport.
type Codec interface {
	Encode(msg types.Message, fromMeshAddr string) ([]byte, error)
	Decode(data []byte) (msg types.Message, from string, err error)
}

// JSONCodec is the default Codec, used until a real OSC-like codec is
// plugged in by the host program.
type JSONCodec struct{}

func (JSONCodec) Encode(msg types.Message, fromMeshAddr string) ([]byte, error) {
	return json.Marshal(envelope{Path: msg.Path, Args: msg.Args, From: fromMeshAddr})
}

func (JSONCodec) Decode(data []byte) (types.Message, string, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return types.Message{}, "", err
	}
	return types.Message{Path: e.Path, Args: e.Args}, e.From, nil
}

// Inbound is one received datagram, decoded and tagged with its origin.
type Inbound struct {
	Message types.Message
	From    string
}

// Transport is the bus + mesh send/receive primitive every other component
// is layered over (spec.md §4.1).
type Transport interface {
	// Broadcast sends msg to every device on the bus (TTL 1).
	Broadcast(msg types.Message) error
	// SendTo unicasts msg to a specific mesh address, used for replies whose
	// payload would otherwise flood the bus (e.g. full namespace dumps).
	SendTo(msg types.Message, meshAddr string) error
	// Listen returns the channel of decoded inbound messages.
	Listen() <-chan Inbound
	// MeshAddr is this device's own unicast reply address.
	MeshAddr() string
	Close() error
}

// MulticastTransport is the default Transport: one UDP multicast socket for
// the bus, one UDP unicast socket for the mesh (spec.md §4.1).
type MulticastTransport struct {
	busAddr  *net.UDPAddr
	busConn  *net.UDPConn
	meshConn *net.UDPConn
	codec    Codec
	log      types.Logger

	inbound chan Inbound
	closeCh chan struct{}
}

// NewMulticastTransport joins the multicast bus and opens an ephemeral mesh
// unicast socket on the given interface address.
func NewMulticastTransport(busAddress, interfaceIP string, codec Codec, log types.Logger) (*MulticastTransport, error) {
	if busAddress == "" {
		busAddress = DefaultBusAddress
	}
	busAddr, err := net.ResolveUDPAddr("udp4", busAddress)
	if err != nil {
		return nil, errors.Wrap(err, "resolving bus address")
	}

	iface, err := findMulticastInterface(interfaceIP)
	if err != nil {
		return nil, errors.Wrap(err, "finding multicast-capable interface")
	}

	busConn, err := net.ListenMulticastUDP("udp4", iface, busAddr)
	if err != nil {
		return nil, errors.Wrap(err, "joining multicast bus")
	}
	if err := busConn.SetWriteBuffer(1 << 16); err != nil {
		log.Debugf("set write buffer failed: %v", err)
	}
	pconn := ipv4.NewPacketConn(busConn)
	if err := pconn.SetMulticastTTL(multicastTTL); err != nil {
		log.Debugf("set multicast TTL failed: %v", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		log.Debugf("set multicast loopback failed: %v", err)
	}

	meshConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(interfaceIP)})
	if err != nil {
		_ = busConn.Close()
		return nil, errors.Wrap(err, "opening mesh socket")
	}

	t := &MulticastTransport{
		busAddr:  busAddr,
		busConn:  busConn,
		meshConn: meshConn,
		codec:    codec,
		log:      log,
		inbound:  make(chan Inbound, inboundQueueSize),
		closeCh:  make(chan struct{}),
	}
	go t.readLoop(t.busConn)
	go t.readLoop(t.meshConn)
	return t, nil
}

func (t *MulticastTransport) Broadcast(msg types.Message) error {
	data, err := t.codec.Encode(msg, t.MeshAddr())
	if err != nil {
		return errors.Wrap(err, "encoding broadcast message")
	}
	_, err = t.busConn.WriteToUDP(data, t.busAddr)
	return err
}

func (t *MulticastTransport) SendTo(msg types.Message, meshAddr string) error {
	addr, err := net.ResolveUDPAddr("udp4", meshAddr)
	if err != nil {
		return errors.Wrap(err, "resolving mesh reply address")
	}
	data, err := t.codec.Encode(msg, t.MeshAddr())
	if err != nil {
		return errors.Wrap(err, "encoding unicast message")
	}
	_, err = t.meshConn.WriteToUDP(data, addr)
	return err
}

func (t *MulticastTransport) Listen() <-chan Inbound { return t.inbound }

func (t *MulticastTransport) MeshAddr() string { return t.meshConn.LocalAddr().String() }

func (t *MulticastTransport) Close() error {
	close(t.closeCh)
	err1 := t.busConn.Close()
	err2 := t.meshConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (t *MulticastTransport) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-t.closeCh:
			return
		default:
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				t.log.Debugf("transport read error: %v", err)
				continue
			}
		}
		msg, from, err := t.codec.Decode(buf[:n])
		if err != nil {
			// Transient wire error: malformed message, dropped silently,
			// logged at trace level (spec.md §7).
			t.log.Debugf("dropping malformed datagram: %v", err)
			continue
		}
		select {
		case t.inbound <- Inbound{Message: msg, From: from}:
		default:
			t.log.Debugf("inbound queue full, dropping message on path %s", msg.Path)
		}
	}
}

// findMulticastInterface walks the candidate interface list from spec.md §6
// (eth0..eth4, en0..en4, lo) and returns the first with an IPv4 address,
// unless interfaceIP is already given explicitly.
func findMulticastInterface(interfaceIP string) (*net.Interface, error) {
	if interfaceIP != "" {
		ifaces, err := net.Interfaces()
		if err != nil {
			return nil, err
		}
		for _, iface := range ifaces {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.String() == interfaceIP {
					return &iface, nil
				}
			}
		}
	}

	candidates := CandidateInterfaces()
	for _, name := range candidates {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return iface, nil
			}
		}
	}
	return nil, errors.New("no candidate interface with an IPv4 address found")
}

// CandidateInterfaces is the ordered list of interface names tried during
// bring-up (spec.md §6).
func CandidateInterfaces() []string {
	var names []string
	for _, prefix := range []string{"eth", "en"} {
		for i := 0; i <= 4; i++ {
			names = append(names, prefix+strconv.Itoa(i))
		}
	}
	return append(names, "lo")
}

// InterfaceIPv4 resolves the first IPv4 address bound to the named
// interface, used by NewMulticastTransport callers to pick interfaceIP.
func InterfaceIPv4(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "", errors.Errorf("interface %s has no IPv4 address", name)
}
