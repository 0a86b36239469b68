package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_scanbridge._tcp"
	mdnsDomain      = "local."
	mdnsLabelMax    = 63
)

// startMDNS advertises the MQTT broker so scanners on the LAN can find it.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "scanbridge"
	}

	instance := mdnsInstanceName(fmt.Sprintf("Scanbridge (%s)", hostname))
	txt := mdnsTXT(port, a.cfg.HTTPPort, hostname)

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// mdnsTXT lists the records scanners read to build their topics.
func mdnsTXT(mqttPort, httpPort int, hostname string) []string {
	host := mdnsHostLabel(hostname)
	if !strings.Contains(host, ".") {
		host += ".local"
	}
	return []string{
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		fmt.Sprintf("http_port=%d", httpPort),
		"scan_topic=scanners/{session}/scans",
		"event_topic=sessions/{session}/events",
		fmt.Sprintf("host=%s", host),
	}
}

func mdnsInstanceName(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = "Scanbridge"
	}
	return truncateString(cleaned, mdnsLabelMax)
}

func mdnsHostLabel(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = "scanbridge"
	}
	return truncateString(cleaned, mdnsLabelMax)
}
