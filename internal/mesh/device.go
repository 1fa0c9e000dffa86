package mesh

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DeviceRecord describes a peer learned from a discovery packet.
type DeviceRecord struct {
	// IP is the peer's address on the local network.
	IP string `json:"ip"`

	// GroupKey is the "<clientCode>_<deviceId>" string announced by the peer.
	GroupKey string `json:"group_key"`

	// LastSeen is when the last valid discovery packet arrived.
	LastSeen time.Time `json:"last_seen"`

	// WSPort is the peer's WebSocket server port.
	WSPort int `json:"ws_port"`

	// WSPath is the peer's WebSocket server path.
	WSPath string `json:"ws_path"`
}

// DeviceDirectory tracks every device seen via discovery, keyed by IP.
// Records are refreshed in place and never expire on their own; a record is
// removed only by an explicit Remove or Clear.
type DeviceDirectory struct {
	devices map[string]*DeviceRecord
	clock   clock.Clock
	mu      sync.RWMutex
}

// NewDeviceDirectory creates an empty device directory. A nil clk uses wall
// time.
func NewDeviceDirectory(clk clock.Clock) *DeviceDirectory {
	if clk == nil {
		clk = clock.New()
	}
	return &DeviceDirectory{
		devices: make(map[string]*DeviceRecord),
		clock:   clk,
	}
}

// Upsert creates or refreshes the record for the given IP and returns it.
func (d *DeviceDirectory) Upsert(ip, groupKey string, wsPort int, wsPath string) *DeviceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.devices[ip]
	if !ok {
		rec = &DeviceRecord{IP: ip}
		d.devices[ip] = rec
	}

	rec.GroupKey = groupKey
	rec.WSPort = wsPort
	rec.WSPath = wsPath
	rec.LastSeen = d.clock.Now()

	return rec
}

// Get returns the record for an IP.
func (d *DeviceDirectory) Get(ip string) (*DeviceRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.devices[ip]
	if !ok {
		return nil, false
	}
	c := *rec
	return &c, true
}

// Remove deletes the record for an IP.
func (d *DeviceDirectory) Remove(ip string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, ip)
}

// All returns a snapshot of every known device.
func (d *DeviceDirectory) All() []DeviceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DeviceRecord, 0, len(d.devices))
	for _, rec := range d.devices {
		out = append(out, *rec)
	}
	return out
}

// Stale returns devices not refreshed within maxAge. The directory never
// evicts on its own; callers decide what to do with stale entries.
func (d *DeviceDirectory) Stale(maxAge time.Duration) []DeviceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cutoff := d.clock.Now().Add(-maxAge)
	out := make([]DeviceRecord, 0)
	for _, rec := range d.devices {
		if rec.LastSeen.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	return out
}

// Count returns the number of known devices.
func (d *DeviceDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}

// Clear removes every record.
func (d *DeviceDirectory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = make(map[string]*DeviceRecord)
}
