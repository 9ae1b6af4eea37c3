package ipfilter

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Result is the outcome of probing one address.
type Result struct {
	Address string
	RTT     time.Duration
	OK      bool
}

// Prober measures reachability and latency of a single address.
type Prober interface {
	Probe(ctx context.Context, ip string) Result
}

// TCPProber times a TCP connect to ip:Port. It needs no privileges and
// exercises the same path the proxy uses.
type TCPProber struct {
	Port int
}

func (p TCPProber) Probe(ctx context.Context, ip string) Result {
	res := Result{Address: ip}
	port := p.Port
	if port == 0 {
		port = 443
	}
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return res
	}
	res.RTT = time.Since(start)
	res.OK = true
	conn.Close()
	return res
}

// ICMPProber sends one echo request. Unprivileged mode uses datagram ICMP
// sockets ("udp4"), which on Linux need net.ipv4.ping_group_range.
type ICMPProber struct {
	Privileged bool
	seq        atomic.Uint32
}

var icmpPayload = []byte("doh-sni-proxy")

func (p *ICMPProber) Probe(ctx context.Context, ip string) Result {
	res := Result{Address: ip}
	dst := net.ParseIP(ip).To4()
	if dst == nil {
		return res
	}
	network, peer := "udp4", net.Addr(&net.UDPAddr{IP: dst})
	if p.Privileged {
		network, peer = "ip4:icmp", &net.IPAddr{IP: dst}
	}
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return res
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: seq, Data: icmpPayload},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return res
	}
	start := time.Now()
	if _, err := conn.WriteTo(wire, peer); err != nil {
		return res
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return res
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		// Datagram sockets rewrite the echo ID, so match on sequence and peer only.
		if !ok || echo.Seq != seq || !sameIP(from, dst) {
			continue
		}
		res.RTT = time.Since(start)
		res.OK = true
		return res
	}
}

func sameIP(addr net.Addr, ip net.IP) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	case *net.IPAddr:
		return a.IP.Equal(ip)
	}
	return false
}
