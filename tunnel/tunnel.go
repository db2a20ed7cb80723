// Package tunnel adapts an OS TUN device to the Tunnel contract of
// spec.md §6 (canRead/canWrite Conditions, non-blocking Read/Write),
// the same dispatcher.Tunnel interface the Dispatcher consumes.
// Grounded on VetheonGames-FileZap's "Network Core/pkg/tun/tun.go"
// for opening the device via songgao/water and bringing it up with
// `ip link`/`ip addr`; unlike that file's goroutine-per-read loop,
// this adapter never blocks in its own goroutine — readiness flows
// through the event loop's IOManager like every other fd.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"syscall"

	"github.com/songgao/water"

	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/internal/netio"
)

// DefaultMTU matches the teacher's DefaultMTU; stun's packets are
// DataPacket-framed IP payloads so the same budget applies.
const DefaultMTU = 1420

// readBufferSize is sized for DefaultMTU plus slack for a jumbo
// frame misconfiguration; oversized reads are simply truncated by
// the kernel's TUN driver, never overrun.
const readBufferSize = 2048

// Device is a TUN adapter satisfying dispatcher.Tunnel: CanRead,
// CanWrite, Read, Write.
type Device struct {
	loop  *event.Loop
	fd    int
	iface *water.Interface
	raw   syscall.RawConn

	canRead  *event.Condition
	canWrite *event.Condition
}

// Open creates a TUN device and registers its fd with loop's IO
// manager. name, when non-empty, requests that device name; an empty
// name lets the kernel assign one.
func Open(loop *event.Loop, name string) (*Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if name != "" {
		cfg.PlatformSpecificParams.Name = name
	}
	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tunnel: open TUN device: %w", err)
	}

	conn, ok := iface.ReadWriteCloser.(syscall.Conn)
	if !ok {
		_ = iface.Close()
		return nil, fmt.Errorf("tunnel: TUN device does not expose a raw fd")
	}
	fd, raw, err := netio.RawFD(conn)
	if err != nil {
		_ = iface.Close()
		return nil, err
	}

	d := &Device{loop: loop, fd: fd, iface: iface, raw: raw}
	d.canRead = loop.IO().CanRead(fd)
	d.canWrite = loop.IO().CanWrite(fd)
	return d, nil
}

// Name reports the kernel-assigned or requested device name.
func (d *Device) Name() string { return d.iface.Name() }

// Configure brings the interface up and assigns addr/subnet via the
// `ip` tool, the same two-command sequence the teacher's
// ConfigureInterface uses (there: hardcoded /24; here: caller-chosen
// prefix length).
func (d *Device) Configure(ctx context.Context, addr net.IP, subnet *net.IPNet) error {
	ones, _ := subnet.Mask.Size()
	cidr := fmt.Sprintf("%s/%d", addr.String(), ones)
	cmds := [][]string{
		{"ip", "link", "set", "dev", d.Name(), "up"},
		{"ip", "addr", "add", cidr, "dev", d.Name()},
	}
	for _, args := range cmds {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("tunnel: %v: %w: %s", args, err, out)
		}
	}
	return nil
}

// CanRead is the Condition gating Read.
func (d *Device) CanRead() *event.Condition { return d.canRead }

// CanWrite is the Condition gating Write.
func (d *Device) CanWrite() *event.Condition { return d.canWrite }

// Read performs one non-blocking read of an encapsulated IP packet.
// ok=false on would-block, matching §6's "false on would-block".
func (d *Device) Read() ([]byte, bool) {
	buf := make([]byte, readBufferSize)
	n, ok, err := netio.Read(d.raw, buf)
	if err != nil {
		panic(event.NewFatalError("tunnel: read failed, fatal per TunnelClosedException: %v", err))
	}
	if !ok || n == 0 {
		return nil, false
	}
	return buf[:n], true
}

// Write performs one non-blocking write of an encapsulated IP
// packet. Reports false if the packet was dropped (would-block or a
// short write), per §6's "write(TunnelPacket) -> bool (false if
// dropped)".
func (d *Device) Write(packet []byte) bool {
	n, ok, err := netio.Write(d.raw, packet)
	if err != nil {
		panic(event.NewFatalError("tunnel: write failed, fatal per TunnelClosedException: %v", err))
	}
	return ok && n == len(packet)
}

// Close tears down the TUN device.
func (d *Device) Close() error {
	err := d.iface.Close()
	d.loop.IO().Release(d.fd)
	return err
}
