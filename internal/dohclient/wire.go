package dohclient

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strings"
)

const (
	headerLen      = 12
	maxPointerHops = 16
	maxNameLen     = 255

	typeA     = 1
	typeCNAME = 5
	typeSOA   = 6
	classIN   = 1

	flagsStandardQuery = 0x0100 // RD set
)

// Answer is the decoded content of a DNS response.
type Answer struct {
	A      []string
	CNAMEs []string
	// HasSOA marks a negative answer; used for diagnostics only.
	HasSOA bool
	Rcode  int
}

// BuildQuery encodes a single-question A/IN query for hostname with a random ID.
func BuildQuery(hostname string) ([]byte, uint16, error) {
	name := strings.TrimSuffix(hostname, ".")
	if name == "" {
		return nil, 0, fmt.Errorf("empty hostname")
	}
	if len(name)+2 > maxNameLen {
		return nil, 0, fmt.Errorf("hostname %q too long", hostname)
	}
	id := uint16(rand.Uint32())

	buf := make([]byte, headerLen, headerLen+len(name)+6)
	binary.BigEndian.PutUint16(buf[0:], id)
	binary.BigEndian.PutUint16(buf[2:], flagsStandardQuery)
	binary.BigEndian.PutUint16(buf[4:], 1) // QDCOUNT
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return nil, 0, fmt.Errorf("invalid label in hostname %q", hostname)
		}
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)
	}
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint16(buf, typeA)
	buf = binary.BigEndian.AppendUint16(buf, classIN)
	return buf, id, nil
}

// ParseResponse decodes A, CNAME and SOA records from a DNS response.
// Any truncation or structural problem yields an error wrapping ErrMalformed.
func ParseResponse(msg []byte) (Answer, error) {
	var ans Answer
	if len(msg) < headerLen {
		return ans, malformed("short header: %d bytes", len(msg))
	}
	ans.Rcode = int(msg[3] & 0x0f)
	qdcount := int(binary.BigEndian.Uint16(msg[4:]))
	ancount := int(binary.BigEndian.Uint16(msg[6:]))
	nscount := int(binary.BigEndian.Uint16(msg[8:]))

	off := headerLen
	for i := 0; i < qdcount; i++ {
		_, next, err := readName(msg, off)
		if err != nil {
			return ans, err
		}
		off = next + 4
		if off > len(msg) {
			return ans, malformed("question %d truncated", i)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < ancount+nscount; i++ {
		authority := i >= ancount
		_, next, err := readName(msg, off)
		if err != nil {
			return ans, err
		}
		if next+10 > len(msg) {
			return ans, malformed("record %d header truncated", i)
		}
		rtype := binary.BigEndian.Uint16(msg[next:])
		rdlen := int(binary.BigEndian.Uint16(msg[next+8:]))
		rdata := next + 10
		end := rdata + rdlen
		if end > len(msg) {
			return ans, malformed("record %d rdata truncated", i)
		}

		switch {
		case rtype == typeSOA:
			ans.HasSOA = true
		case authority:
		case rtype == typeA && rdlen == 4:
			addr := netip.AddrFrom4([4]byte(msg[rdata:end]))
			ans.A = append(ans.A, addr.String())
		case rtype == typeCNAME:
			target, _, err := readName(msg, rdata)
			if err != nil {
				return ans, err
			}
			if !seen[target] {
				seen[target] = true
				ans.CNAMEs = append(ans.CNAMEs, target)
			}
		}
		off = end
	}
	return ans, nil
}

// readName decodes a possibly compressed name at off. It returns the name
// without a trailing dot and the offset just past the name in the original
// position. Pointers are followed iteratively, at most maxPointerHops times.
func readName(msg []byte, off int) (string, int, error) {
	var (
		labels []string
		stack  []int // positions we jumped away from
		length int
		pos    = off
	)
	for {
		if pos >= len(msg) {
			return "", 0, malformed("name at %d runs past message end", off)
		}
		b := int(msg[pos])
		switch b & 0xc0 {
		case 0x00:
			if b == 0 {
				next := pos + 1
				if len(stack) > 0 {
					next = stack[0]
				}
				return strings.Join(labels, "."), next, nil
			}
			if pos+1+b > len(msg) {
				return "", 0, malformed("label at %d truncated", pos)
			}
			length += b + 1
			if length > maxNameLen {
				return "", 0, malformed("name at %d exceeds %d bytes", off, maxNameLen)
			}
			labels = append(labels, strings.ToLower(string(msg[pos+1:pos+1+b])))
			pos += 1 + b
		case 0xc0:
			if pos+1 >= len(msg) {
				return "", 0, malformed("pointer at %d truncated", pos)
			}
			if len(stack) >= maxPointerHops {
				return "", 0, malformed("name at %d exceeds %d compression hops", off, maxPointerHops)
			}
			stack = append(stack, pos+2)
			pos = int(binary.BigEndian.Uint16(msg[pos:]) & 0x3fff)
		default:
			return "", 0, malformed("unsupported label type 0x%02x at %d", b&0xc0, pos)
		}
	}
}
