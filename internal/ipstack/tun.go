package ipstack

import (
	"encoding/binary"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/songgao/water"
)

// Config describes how to bring up the TUN device backing a TunConn.
type Config struct {
	DeviceName string
	LocalIP    string
	PeerIP     string
	SubnetMask string
	MTU        int
}

func setupTUN(cfg Config) (*water.Interface, error) {
	waterCfg := water.Config{DeviceType: water.TUN}
	if cfg.DeviceName != "" {
		waterCfg.Name = cfg.DeviceName
	}

	ifce, err := water.New(waterCfg)
	if err != nil {
		return nil, fmt.Errorf("ipstack: create TUN device: %w", err)
	}
	name := ifce.Name()

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}

	cmd := exec.Command("ifconfig", name, cfg.LocalIP, cfg.PeerIP, "netmask", cfg.SubnetMask, "mtu", fmt.Sprintf("%d", mtu), "up")
	if out, err := cmd.CombinedOutput(); err != nil {
		ifce.Close()
		return nil, fmt.Errorf("ipstack: ifconfig %s: %w: %s", name, err, out)
	}

	localIP := net.ParseIP(cfg.LocalIP)
	mask := net.IPMask(net.ParseIP(cfg.SubnetMask).To4())
	network := localIP.Mask(mask)
	ones, _ := mask.Size()
	networkCIDR := fmt.Sprintf("%s/%d", network.String(), ones)

	cmd = exec.Command("route", "add", "-net", networkCIDR, cfg.PeerIP)
	if out, err := cmd.CombinedOutput(); err != nil && !strings.Contains(string(out), "File exists") {
		ifce.Close()
		return nil, fmt.Errorf("ipstack: route add %s via %s: %w: %s", networkCIDR, cfg.PeerIP, err, out)
	}

	return ifce, nil
}

// stripLinkHeader removes the 4-byte AF_INET protocol-family prefix some
// TUN drivers (notably macOS utun) prepend to every frame.
func stripLinkHeader(frame []byte) []byte {
	if len(frame) > 4 && binary.BigEndian.Uint32(frame[:4]) == 2 {
		return frame[4:]
	}
	return frame
}
