package web

import (
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type the bridge API is announced under.
	ServiceType = "_domestia-home._tcp"

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."
)

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces the HTTP API listening on listenAddr. The TXT record
// carries the bridge version and the controller it fronts.
func Advertise(instance, listenAddr, version, controller string) (*Advertisement, error) {
	port, err := listenPort(listenAddr)
	if err != nil {
		return nil, err
	}
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txtRecords(version, controller), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("listen address %q has no usable port", addr)
	}
	return port, nil
}

func txtRecords(version, controller string) []string {
	txt := []string{"path=/api", "ws=/ws"}
	if version != "" {
		txt = append(txt, "version="+version)
	}
	if controller != "" {
		txt = append(txt, "controller="+controller)
	}
	return txt
}
