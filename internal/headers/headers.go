// Package headers implements the stateless frame-header operations the
// forwarding core runs on every received frame: VLAN-tag cleanup, Ethernet
// parsing, header strip/prepend, and fresh Ethernet-header construction.
package headers

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"

	"github.com/vegetab1e/packet-forwarder/internal/mbuf"
)

// EtherType identifies the payload carried after an Ethernet (and any VLAN)
// header, matching the IEEE-assigned values used throughout the corpus.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeVLAN EtherType = 0x8100
	EtherTypeIPv6 EtherType = 0x86DD
)

// EthernetHeaderLen is two 6-byte MACs plus a 2-byte EtherType.
const EthernetHeaderLen = 14

// VLANHeaderLen is one 802.1Q tag: a 2-byte TCI followed by the 2-byte
// EtherType of what the tag encapsulates.
const VLANHeaderLen = 4

// arpTargetIPOffset is the byte offset of arp_tip within an ARP packet that
// follows immediately after the Ethernet/VLAN headers (8-byte ARP header
// fixed fields, then SHA(6)+SPA(4)+THA(6), target IP is the final 4 bytes).
const arpTargetIPOffset = 24

// CleanVLANTCI clears stale VLAN metadata the collaborator should never have
// set (VLAN offload stripping is disabled by contract). The outer (QinQ)
// cleaner only runs if the inner cleaner actually found RX_VLAN set, so a
// frame carrying RX_QINQ without RX_VLAN leaves its outer TCI untouched.
// That combination is itself a contract violation the collaborator should
// never produce.
func CleanVLANTCI(f *mbuf.Frame, logger *slog.Logger) {
	if !cleanInner(f, logger) {
		return
	}
	cleanOuter(f, logger)
}

func cleanInner(f *mbuf.Frame, logger *slog.Logger) bool {
	if !f.Flags.Has(mbuf.FlagRxVLAN) {
		return false
	}
	if f.Flags.Has(mbuf.FlagRxVLANStripped) {
		logger.Debug("inner VLAN already stripped by NIC despite stripping being disabled")
	}
	f.VLANTCI = 0
	f.Flags &^= mbuf.FlagRxVLAN | mbuf.FlagRxVLANStripped
	return true
}

func cleanOuter(f *mbuf.Frame, logger *slog.Logger) {
	if !f.Flags.Has(mbuf.FlagRxQinQ) {
		return
	}
	if f.Flags.Has(mbuf.FlagRxQinQStripped) {
		logger.Debug("outer VLAN already stripped by NIC despite stripping being disabled")
	}
	f.VLANTCIOuter = 0
	f.Flags &^= mbuf.FlagRxQinQ | mbuf.FlagRxQinQStripped
}

// ParseEthernet reads the L2 type at the start of the frame's data region,
// walking over up to two stacked VLAN tags (single-tag and QinQ), and
// reports the innermost EtherType plus the total VLAN byte offset. A runt
// frame too short to hold an Ethernet header reports EtherType 0, and a
// truncated VLAN stack stops walking at the last complete tag; the forward
// path then rejects both as non-IP.
func ParseEthernet(f *mbuf.Frame) (etherType EtherType, vlanOffset int) {
	data := f.Data()
	if len(data) < EthernetHeaderLen {
		return 0, 0
	}
	etherType = EtherType(binary.BigEndian.Uint16(data[12:14]))
	offset := EthernetHeaderLen

	for range 2 {
		if etherType != EtherTypeVLAN || len(data) < offset+VLANHeaderLen {
			break
		}
		etherType = EtherType(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += VLANHeaderLen
		vlanOffset += VLANHeaderLen
	}

	return etherType, vlanOffset
}

// StripL2 advances the frame's data pointer past the Ethernet header plus
// any VLAN tags, exposing the L3 payload.
func StripL2(f *mbuf.Frame, vlanOffset int) error {
	if err := f.Adj(EthernetHeaderLen + vlanOffset); err != nil {
		return fmt.Errorf("strip l2: %w", err)
	}
	return nil
}

// PrependL2 moves the frame's data pointer back by one Ethernet header,
// making room for a fresh header to be written with FillEthernet.
func PrependL2(f *mbuf.Frame) error {
	if err := f.Prepend(EthernetHeaderLen); err != nil {
		return fmt.Errorf("prepend l2: %w", err)
	}
	return nil
}

// vendorLocalPrefix is the five low-order bytes of the pseudo-randomised
// destination MAC pattern: 0x{00..FF} AC E0 FB A5 E0 read high-byte-first.
var vendorLocalPrefix = [5]byte{0xAC, 0xE0, 0xFB, 0xA5, 0xE0}

// FillEthernet writes a fresh Ethernet header into the frame's (now
// prepended) data region: a pseudo-randomised destination MAC, the egress
// port's MAC as source (or a random fallback if txMAC is absent), and the
// given EtherType. rng is expected to be seeded once per worker at startup
// and reused across the data path, not reseeded per call.
func FillEthernet(f *mbuf.Frame, etherType EtherType, txMAC net.HardwareAddr, rng *rand.Rand) {
	data := f.Data()

	dst := randomizedDest(rng)
	if !isValidUnicast(dst) {
		dst = randomMAC(rng)
	}
	copy(data[0:6], dst)

	src := txMAC
	if len(src) != 6 {
		src = randomMAC(rng)
	}
	copy(data[6:12], src)

	binary.BigEndian.PutUint16(data[12:14], uint16(etherType))
}

func randomizedDest(rng *rand.Rand) net.HardwareAddr {
	addr := make(net.HardwareAddr, 6)
	addr[0] = byte(rng.IntN(256))
	copy(addr[1:], vendorLocalPrefix[:])
	return addr
}

func randomMAC(rng *rand.Rand) net.HardwareAddr {
	addr := make(net.HardwareAddr, 6)
	v := rng.Uint64()
	for i := range addr {
		addr[i] = byte(v >> (8 * i))
	}
	addr[0] &^= 0x01 // clear multicast bit
	addr[0] |= 0x02  // set locally-administered bit
	return addr
}

// isValidUnicast reports whether addr is assignable: not all-zero, not
// broadcast, and not a multicast address (low bit of the first octet).
func isValidUnicast(addr net.HardwareAddr) bool {
	if len(addr) != 6 {
		return false
	}
	if addr[0]&0x01 != 0 {
		return false
	}
	zero, broadcast := true, true
	for _, b := range addr {
		if b != 0x00 {
			zero = false
		}
		if b != 0xFF {
			broadcast = false
		}
	}
	return !zero && !broadcast
}

// L3Destination extracts the destination address from the IPv4 or IPv6
// header immediately following the L2 header ParseEthernet already walked.
// l2Len is the combined Ethernet+VLAN header length (EthernetHeaderLen +
// vlanOffset); the frame must not yet have been stripped. Returns nil if
// the frame is too short or etherType is neither IPv4 nor IPv6.
func L3Destination(f *mbuf.Frame, etherType EtherType, l2Len int) net.IP {
	data := f.Data()
	switch etherType {
	case EtherTypeIPv4:
		const ipv4HeaderLen, dstOffset = 20, 16
		if len(data) < l2Len+ipv4HeaderLen {
			return nil
		}
		start := l2Len + dstOffset
		return net.IP(data[start : start+4])
	case EtherTypeIPv6:
		const ipv6HeaderLen, dstOffset = 40, 24
		if len(data) < l2Len+ipv6HeaderLen {
			return nil
		}
		start := l2Len + dstOffset
		return net.IP(data[start : start+16])
	default:
		return nil
	}
}

// ARPTargetIP extracts arp_tip from an ARP request/reply. l2Len is the
// combined Ethernet+VLAN header length already reported by ParseEthernet
// (EthernetHeaderLen + vlanOffset); the frame's data region has not yet
// been stripped at the point this is called. Returns nil if the frame is
// too short to contain one.
func ARPTargetIP(f *mbuf.Frame, l2Len int) net.IP {
	data := f.Data()
	if len(data) < l2Len+arpTargetIPOffset+4 {
		return nil
	}
	start := l2Len + arpTargetIPOffset
	return net.IP(data[start : start+4])
}
