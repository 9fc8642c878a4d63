// Package discovery announces the chat server on the local network with
// periodic UDP broadcasts.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"lanchat/pkg/logger"
)

// Announcement is the datagram payload clients listen for.
type Announcement struct {
	AppName string `json:"app_name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// Target is one destination of an announcement. IfIndex pins the outgoing
// interface; zero leaves the choice to the routing table.
type Target struct {
	Addr    *net.UDPAddr
	IfIndex int
}

type Config struct {
	AppName  string
	Host     string
	Port     int
	UDPPort  int
	Interval time.Duration
	// Targets overrides interface discovery when set.
	Targets []Target
}

type Broadcaster struct {
	cfg     Config
	payload []byte
	listen  func() (net.PacketConn, error)
}

func New(cfg Config) (*Broadcaster, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("discovery: interval must be positive")
	}
	if cfg.Host == "" {
		cfg.Host = LocalIP()
	}
	payload, err := json.Marshal(Announcement{AppName: cfg.AppName, Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("discovery: encode announcement: %w", err)
	}
	return &Broadcaster{cfg: cfg, payload: payload, listen: listenUDP}, nil
}

func listenUDP() (net.PacketConn, error) {
	return net.ListenPacket("udp4", "0.0.0.0:0")
}

// Announcement returns what the broadcaster sends.
func (b *Broadcaster) Announcement() Announcement {
	return Announcement{AppName: b.cfg.AppName, Host: b.cfg.Host, Port: b.cfg.Port}
}

// Run announces immediately and then every interval until ctx is done. Send
// failures are logged and retried on the next tick. Discovery is never fatal
// to the server: a socket that cannot be opened is logged and Run returns nil.
func (b *Broadcaster) Run(ctx context.Context) error {
	conn, err := b.listen()
	if err != nil {
		logger.Error("discovery_unavailable", err, map[string]interface{}{
			"udp_port": b.cfg.UDPPort,
		})
		return nil
	}
	defer conn.Close()
	pc := ipv4.NewPacketConn(conn)

	logger.Info("discovery_started", map[string]interface{}{
		"udp_port": b.cfg.UDPPort,
		"host":     b.cfg.Host,
		"port":     b.cfg.Port,
		"interval": b.cfg.Interval.String(),
	})

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	failing := false
	for {
		sent, lastErr := b.announce(pc)
		switch {
		case sent == 0 && !failing:
			failing = true
			logger.Warn("discovery_send_failed", map[string]interface{}{"error": errString(lastErr)})
		case sent > 0 && failing:
			failing = false
			logger.Info("discovery_send_recovered", nil)
		}

		select {
		case <-ctx.Done():
			logger.Info("discovery_stopped", nil)
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Broadcaster) announce(pc *ipv4.PacketConn) (int, error) {
	targets := b.cfg.Targets
	if len(targets) == 0 {
		targets = broadcastTargets(b.cfg.UDPPort)
	}

	var (
		sent    int
		lastErr error
	)
	for _, t := range targets {
		var cm *ipv4.ControlMessage
		if t.IfIndex > 0 {
			cm = &ipv4.ControlMessage{IfIndex: t.IfIndex}
		}
		if _, err := pc.WriteTo(b.payload, cm, t.Addr); err != nil {
			lastErr = err
			logger.Debug("discovery_send_error", map[string]interface{}{
				"target": t.Addr.String(),
				"error":  err.Error(),
			})
			continue
		}
		sent++
	}
	return sent, lastErr
}

// broadcastTargets lists the directed broadcast address of every IPv4
// network on an up, non-loopback interface, falling back to the limited
// broadcast address.
func broadcastTargets(port int) []Target {
	var targets []Target
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				ipnet, ok := addr.(*net.IPNet)
				if !ok {
					continue
				}
				if bcast := directedBroadcast(ipnet); bcast != nil {
					targets = append(targets, Target{
						Addr:    &net.UDPAddr{IP: bcast, Port: port},
						IfIndex: iface.Index,
					})
				}
			}
		}
	}
	if len(targets) == 0 {
		targets = append(targets, Target{Addr: &net.UDPAddr{IP: net.IPv4bcast, Port: port}})
	}
	return targets
}

// directedBroadcast returns the broadcast address of an IPv4 network, or nil
// for IPv6 and host routes.
func directedBroadcast(ipnet *net.IPNet) net.IP {
	ip := ipnet.IP.To4()
	if ip == nil {
		return nil
	}
	mask := ipnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}
	if ones, _ := net.IPMask(mask).Size(); ones >= 31 {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// LocalIP returns the address of the interface that routes to the LAN. It
// sends nothing: connecting a UDP socket only selects a source address.
func LocalIP() string {
	conn, err := net.Dial("udp4", "10.255.255.255:1")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP.String()
		}
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
