package registry

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/ark-network/ark-core/infrastructure/logging"
)

// DefaultMulticastAddr is the local-network discovery group (spec §4.8).
const DefaultMulticastAddr = "239.255.77.88:7475"

// DefaultBroadcastInterval is how often the responder announces itself.
const DefaultBroadcastInterval = 30 * time.Second

// DefaultClockSkew bounds how far in the past or future an announcement's
// produced_at may be before it is rejected (spec §4.8: not a security
// boundary, just a sanity filter — authentication happens in C9).
const DefaultClockSkew = 5 * time.Minute

// announcement is the wire record broadcast on the multicast group.
type announcement struct {
	PeerID      string    `json:"peer_id"`
	EndpointURL string    `json:"endpoint_url"`
	PublicKey   []byte    `json:"public_key"`
	ProducedAt  time.Time `json:"produced_at"`
}

// MulticastDiscoverer periodically broadcasts this peer's presence on a
// UDP multicast group and applies announcements it receives from other
// peers into a Registry.
type MulticastDiscoverer struct {
	addr     *net.UDPAddr
	conn     *net.UDPConn
	self     announcement
	registry *Registry
	interval time.Duration
	skew     time.Duration
	log      *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewMulticastDiscoverer prepares (but does not start) a discoverer for
// group addr, announcing self into registry.
func NewMulticastDiscoverer(addr string, self Peer, registry *Registry, log *logging.Logger) (*MulticastDiscoverer, error) {
	if addr == "" {
		addr = DefaultMulticastAddr
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	return &MulticastDiscoverer{
		addr: udpAddr,
		self: announcement{
			PeerID:      self.PeerID,
			EndpointURL: self.EndpointURL,
			PublicKey:   self.PublicKey,
		},
		registry: registry,
		interval: DefaultBroadcastInterval,
		skew:     DefaultClockSkew,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start opens the multicast socket and launches the broadcast/listen
// loops. Call Stop to shut it down.
func (d *MulticastDiscoverer) Start() error {
	conn, err := net.ListenMulticastUDP("udp4", nil, d.addr)
	if err != nil {
		return err
	}
	d.conn = conn

	go d.listenLoop()
	go d.broadcastLoop()
	return nil
}

// Stop terminates both loops and closes the socket.
func (d *MulticastDiscoverer) Stop() {
	d.once.Do(func() {
		close(d.stopCh)
		if d.conn != nil {
			d.conn.Close()
		}
	})
	<-d.doneCh
}

func (d *MulticastDiscoverer) broadcastLoop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer close(d.doneCh)

	sendConn, err := net.DialUDP("udp4", nil, d.addr)
	if err != nil {
		if d.log != nil {
			d.log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("multicast discoverer could not open send socket")
		}
		return
	}
	defer sendConn.Close()

	send := func() {
		msg := d.self
		msg.ProducedAt = time.Now()
		b, err := json.Marshal(msg)
		if err != nil {
			return
		}
		_, _ = sendConn.Write(b)
	}

	send()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			send()
		}
	}
}

func (d *MulticastDiscoverer) listenLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
			}
			continue
		}
		d.handle(buf[:n])
	}
}

func (d *MulticastDiscoverer) handle(raw []byte) {
	var a announcement
	if err := json.Unmarshal(raw, &a); err != nil {
		return
	}
	if a.PeerID == "" || a.PeerID == d.self.PeerID {
		return
	}
	skew := time.Since(a.ProducedAt)
	if skew < -d.skew || skew > d.skew {
		if d.log != nil {
			d.log.WithFields(map[string]interface{}{"peer_id": a.PeerID}).Debug("discovery announcement rejected: outside clock skew window")
		}
		return
	}
	d.registry.Upsert(Peer{
		PeerID:      a.PeerID,
		EndpointURL: a.EndpointURL,
		PublicKey:   a.PublicKey,
		Role:        RoleLocal,
		LastSeen:    time.Now(),
	})
}
