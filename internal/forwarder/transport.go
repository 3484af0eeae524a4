package forwarder

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Transport carries tc requests to the kernel. Execute returns the payload
// after the netlink header of every reply of type resType.
type Transport interface {
	Execute(req *nl.NetlinkRequest, resType uint16) ([][]byte, error)
	LinkIndex(name string) (int, error)
	Close()
}

// NetlinkTransport is the NETLINK_ROUTE transport, optionally bound to a
// named network namespace.
type NetlinkTransport struct {
	mu      sync.Mutex
	handle  *netlink.Handle
	sockets map[int]*nl.SocketHandle
	ns      netns.NsHandle
}

func OpenNetlinkTransport(nsName string) (*NetlinkTransport, error) {
	t := &NetlinkTransport{ns: netns.None()}
	if nsName != "" {
		ns, err := netns.GetFromName(nsName)
		if err != nil {
			return nil, errors.Wrapf(err, "open netns %q", nsName)
		}
		t.ns = ns
	}

	// sockets are bound to the namespace of the thread creating them
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cur, err := netns.Get()
	if err != nil {
		t.Close()
		return nil, errors.Wrap(err, "get current netns")
	}
	defer cur.Close()

	s, err := nl.GetNetlinkSocketAt(t.ns, cur, unix.NETLINK_ROUTE)
	if err != nil {
		t.Close()
		return nil, errors.Wrap(err, "open route socket")
	}
	t.sockets = map[int]*nl.SocketHandle{
		unix.NETLINK_ROUTE: {Socket: s},
	}

	if t.ns.IsOpen() {
		t.handle, err = netlink.NewHandleAt(t.ns, unix.NETLINK_ROUTE)
	} else {
		t.handle, err = netlink.NewHandle(unix.NETLINK_ROUTE)
	}
	if err != nil {
		t.Close()
		return nil, errors.Wrap(err, "open netlink handle")
	}
	return t, nil
}

func (t *NetlinkTransport) Execute(req *nl.NetlinkRequest, resType uint16) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req.Sockets = t.sockets
	return req.Execute(unix.NETLINK_ROUTE, resType)
}

func (t *NetlinkTransport) LinkIndex(name string) (int, error) {
	link, err := t.handle.LinkByName(name)
	if err != nil {
		return 0, errors.Wrapf(err, "link %q", name)
	}
	return link.Attrs().Index, nil
}

func (t *NetlinkTransport) Close() {
	for _, s := range t.sockets {
		s.Close()
	}
	t.sockets = nil
	if t.handle != nil {
		t.handle.Close()
	}
	if t.ns.IsOpen() {
		t.ns.Close()
	}
}
