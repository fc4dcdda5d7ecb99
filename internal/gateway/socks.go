package gateway

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/cortexuvula/gonetunnel/internal/bridge"
)

const (
	socks5VersionByte = 0x05
	socks5AuthNone    = 0x00
	socks5CmdConnect  = 0x01

	socks5ATYPIPv4   = 0x01
	socks5ATYPDomain = 0x03
	socks5ATYPIPv6   = 0x04

	socks5ReplyOK                 = 0x00
	socks5ReplyCommandNotSupported = 0x07
	socks5ReplyAddressNotSupported = 0x08
)

// handleSocks5 implements the SOCKS5 greeting, CONNECT request, and
// reply exactly per spec §4.3: no-auth only, CONNECT only, IPv4/domain/
// IPv6 address types, echoing the request's address bytes back in the
// success reply.
func (g *Gateway) handleSocks5(ctx context.Context, pr *peekReader) error {
	r := bufio.NewReader(pr)
	left := &bufferedReadWriteCloser{r: r, wc: pr}

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	if hdr[0] != socks5VersionByte {
		return fmt.Errorf("gateway: not a SOCKS5 greeting")
	}
	nMethods := int(hdr[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return err
	}

	noAuth := false
	for _, m := range methods {
		if m == socks5AuthNone {
			noAuth = true
		}
	}
	if !noAuth {
		left.Write([]byte{socks5VersionByte, 0xFF})
		return errors.New("gateway: SOCKS5 client offered no acceptable auth method")
	}
	if _, err := left.Write([]byte{socks5VersionByte, socks5AuthNone}); err != nil {
		return err
	}

	reqHdr := make([]byte, 4)
	if _, err := io.ReadFull(r, reqHdr); err != nil {
		return err
	}
	if reqHdr[0] != socks5VersionByte {
		return fmt.Errorf("gateway: bad SOCKS5 request version")
	}
	if reqHdr[1] != socks5CmdConnect {
		left.Write([]byte{socks5VersionByte, socks5ReplyCommandNotSupported, 0x00})
		return ErrUnsupportedCommand
	}
	atyp := reqHdr[3]

	var addrBytes []byte
	var host string
	switch atyp {
	case socks5ATYPIPv4:
		addrBytes = make([]byte, 4)
		if _, err := io.ReadFull(r, addrBytes); err != nil {
			return err
		}
		host = net.IP(addrBytes).String()
	case socks5ATYPDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(r, lenByte); err != nil {
			return err
		}
		name := make([]byte, int(lenByte[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return err
		}
		addrBytes = append([]byte{lenByte[0]}, name...)
		host = string(name)
	case socks5ATYPIPv6:
		addrBytes = make([]byte, 16)
		if _, err := io.ReadFull(r, addrBytes); err != nil {
			return err
		}
		host = net.IP(addrBytes).String()
	default:
		left.Write([]byte{socks5VersionByte, socks5ReplyAddressNotSupported, 0x00})
		return fmt.Errorf("gateway: unsupported SOCKS5 ATYP 0x%02x", atyp)
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, portBytes); err != nil {
		return err
	}
	port := int(binary.BigEndian.Uint16(portBytes))

	upstream, err := g.Connect(ctx, host, port)
	if err != nil {
		left.Write([]byte{socks5VersionByte, socks5ReplyForError(err), 0x00})
		return err
	}

	reply := append([]byte{socks5VersionByte, socks5ReplyOK, 0x00, atyp}, addrBytes...)
	reply = append(reply, portBytes...)
	if _, err := left.Write(reply); err != nil {
		upstream.Close()
		return err
	}

	(&bridge.Bridge{Left: left, Right: upstream}).Run(ctx)
	return nil
}

func socks5ReplyForError(err error) byte {
	switch {
	case errors.Is(err, ErrTunnelDenied):
		return 0x05 // connection refused
	case errors.Is(err, ErrTimeout):
		return 0x06 // TTL expired, closest standard code to a dial timeout
	default:
		return 0x01 // general SOCKS server failure
	}
}

const (
	socks4VersionByte = 0x04
	socks4CmdConnect  = 0x01

	socks4ReplyGranted = 0x90
	socks4ReplyFailed  = 0x91
)

// handleSocks4 implements SOCKS4/4A CONNECT per spec §4.3: a trailing
// IP of 0.0.0.x (x != 0) signals SOCKS4A, where a NUL-terminated
// hostname follows the NUL-terminated USERID.
func (g *Gateway) handleSocks4(ctx context.Context, pr *peekReader) error {
	r := bufio.NewReader(pr)
	left := &bufferedReadWriteCloser{r: r, wc: pr}

	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	if hdr[0] != socks4VersionByte {
		return fmt.Errorf("gateway: not a SOCKS4 request")
	}
	if hdr[1] != socks4CmdConnect {
		writeSocks4Reply(left, socks4ReplyFailed, hdr[2:8])
		return ErrUnsupportedCommand
	}

	port := int(binary.BigEndian.Uint16(hdr[2:4]))
	ipBytes := hdr[4:8]

	userID, err := readNullTerminated(r)
	if err != nil {
		return err
	}
	_ = userID

	var host string
	is4a := ipBytes[0] == 0 && ipBytes[1] == 0 && ipBytes[2] == 0 && ipBytes[3] != 0
	if is4a {
		name, err := readNullTerminated(r)
		if err != nil {
			return err
		}
		host = string(name)
	} else {
		host = net.IP(ipBytes).String()
	}

	upstream, err := g.Connect(ctx, host, port)
	if err != nil {
		writeSocks4Reply(left, socks4ReplyFailed, hdr[2:8])
		return err
	}

	writeSocks4Reply(left, socks4ReplyGranted, hdr[2:8])
	(&bridge.Bridge{Left: left, Right: upstream}).Run(ctx)
	return nil
}

func writeSocks4Reply(w io.Writer, code byte, addrBlock []byte) {
	reply := append([]byte{0x00, code}, addrBlock...)
	w.Write(reply)
}

func readNullTerminated(r *bufio.Reader) ([]byte, error) {
	data, err := r.ReadBytes(0x00)
	if err != nil {
		return nil, err
	}
	return data[:len(data)-1], nil
}
