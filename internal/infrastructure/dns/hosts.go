package dns

import (
	"bufio"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DefaultHostsFile = "/etc/hosts"
	hostsMaxAge      = 5 * time.Second
)

// Hosts answers names from a hosts file without a network query. The file
// is read lazily and re-read when its modification time or size changes,
// checked at most every few seconds. Safe for concurrent use.
type Hosts struct {
	path string

	mu      sync.Mutex
	expire  time.Time
	mtime   time.Time
	size    int64
	entries map[string][]netip.Addr
}

func NewHosts(path string) *Hosts {
	if path == "" {
		path = DefaultHostsFile
	}
	return &Hosts{path: path}
}

// LookupStatic resolves host when no DNS query is needed: address literals
// map to themselves and listed names map to their first address, IPv4
// preferred. Names under localhost fall back to the loopback address when
// the file does not list them.
func (h *Hosts) LookupStatic(host string) (netip.Addr, bool) {
	if ip, err := netip.ParseAddr(host); err == nil && ip.Zone() == "" {
		return ip.Unmap(), true
	}

	name := normalize(host)
	if h != nil {
		if ip, ok := pick(h.lookup(name)); ok {
			return ip, true
		}
	}
	if name == "localhost" || strings.HasSuffix(name, ".localhost") {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1}), true
	}
	return netip.Addr{}, false
}

func (h *Hosts) lookup(name string) []netip.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if now.Before(h.expire) && h.entries != nil {
		return h.entries[name]
	}
	h.expire = now.Add(hostsMaxAge)

	st, err := os.Stat(h.path)
	if err != nil {
		h.entries = map[string][]netip.Addr{}
		return nil
	}
	if h.entries != nil && st.ModTime().Equal(h.mtime) && st.Size() == h.size {
		return h.entries[name]
	}

	entries, err := readHosts(h.path)
	if err != nil {
		entries = map[string][]netip.Addr{}
	}
	h.entries, h.mtime, h.size = entries, st.ModTime(), st.Size()
	return h.entries[name]
}

func readHosts(path string) (map[string][]netip.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string][]netip.Addr)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, err := netip.ParseAddr(fields[0])
		if err != nil || ip.Zone() != "" {
			continue
		}
		ip = ip.Unmap()
		for _, name := range fields[1:] {
			name = normalize(name)
			entries[name] = append(entries[name], ip)
		}
	}
	return entries, sc.Err()
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func pick(ips []netip.Addr) (netip.Addr, bool) {
	for _, ip := range ips {
		if ip.Is4() {
			return ip, true
		}
	}
	if len(ips) > 0 {
		return ips[0], true
	}
	return netip.Addr{}, false
}
