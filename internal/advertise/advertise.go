// Package advertise announces the frame publisher on the local network via
// mDNS so consumers can find the ZMQ endpoint without configuration.
package advertise

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

const (
	ServiceType = "_depthcam._tcp"
	Domain      = "local."
)

// Info is published in the TXT record.
type Info struct {
	Serial   string
	Channels int
	Endpoint string
	Topics   []string
}

func (i Info) txt() []string {
	txt := []string{
		"serial=" + i.Serial,
		"channels=" + strconv.Itoa(i.Channels),
		"endpoint=" + i.Endpoint,
	}
	topics := append([]string(nil), i.Topics...)
	sort.Strings(topics)
	for n, topic := range topics {
		txt = append(txt, fmt.Sprintf("topic%d=%s", n, topic))
	}
	return txt
}

type server interface {
	SetText(txt []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (server, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (server, error) {
	srv, err := zeroconf.Register(instance, service, domain, port, txt, ifaces)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

type Advertiser struct {
	instance string
	port     int
	iface    string
	register registerFunc

	mu     sync.Mutex
	server server
	last   Info
}

// New prepares an advertiser for instance on port. iface restricts the
// announcement to one interface; empty means all.
func New(instance string, port int, iface string) *Advertiser {
	return &Advertiser{
		instance: instance,
		port:     port,
		iface:    iface,
		register: zeroconfRegister,
	}
}

// Update registers the service on first use and refreshes its TXT record
// afterwards.
func (a *Advertiser) Update(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		if equalInfo(a.last, info) {
			return nil
		}
		a.server.SetText(info.txt())
		a.last = info
		return nil
	}

	srv, err := a.register(a.instance, ServiceType, Domain, a.port, info.txt(), a.interfaces())
	if err != nil {
		return fmt.Errorf("advertise: register %s: %w", ServiceType, err)
	}
	a.server = srv
	a.last = info
	return nil
}

func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.iface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.iface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

func equalInfo(a, b Info) bool {
	if a.Serial != b.Serial || a.Channels != b.Channels || a.Endpoint != b.Endpoint || len(a.Topics) != len(b.Topics) {
		return false
	}
	for i := range a.Topics {
		if a.Topics[i] != b.Topics[i] {
			return false
		}
	}
	return true
}
