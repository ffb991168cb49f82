// Package config collects gateway startup configuration from command-line
// flags, which main.go wires into each component.
package config

import (
	"flag"
	"time"
)

// Config holds every tunable named in the external interface: dial targets,
// per-protocol timeouts, reconnect delays, and fan-out sizing.
type Config struct {
	Host                 string
	MRADPort             int
	MCSPort              int
	HTTPAddr             string
	CommandTimeout       time.Duration
	MCSCommandTimeout    time.Duration
	ReconnectSettle      time.Duration
	ReconnectStabilize   time.Duration
	DiscoveryConcurrency int
	SubscriberQueueDepth int
	ClientName           string
}

// Parse populates a Config from command-line flags. args is typically
// os.Args[1:]; passing it explicitly keeps this testable without touching
// the process's real argument list.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("nuvogw", flag.ContinueOnError)

	cfg := Config{}
	fs.StringVar(&cfg.Host, "nuvo-host", "", "zone controller hostname or IP")
	fs.IntVar(&cfg.MRADPort, "mrad-port", 5006, "MRAD (zone control) TCP port")
	fs.IntVar(&cfg.MCSPort, "mcs-port", 5004, "MCS (media control) TCP port")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", ":8080", "HTTP listen address")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", 5*time.Second, "MRAD per-command timeout")
	fs.DurationVar(&cfg.MCSCommandTimeout, "mcs-command-timeout", 10*time.Second, "MCS per-command timeout")
	fs.DurationVar(&cfg.ReconnectSettle, "reconnect-settle", 3*time.Second, "MCS reconnect settle delay")
	fs.DurationVar(&cfg.ReconnectStabilize, "reconnect-stabilize", 3*time.Second, "MCS reconnect stabilize delay")
	fs.IntVar(&cfg.DiscoveryConcurrency, "discovery-concurrency", 100, "max concurrent discovery probes")
	fs.IntVar(&cfg.SubscriberQueueDepth, "subscriber-queue-depth", 256, "per-subscriber event queue depth")
	fs.StringVar(&cfg.ClientName, "client-name", "nuvogw", "client name reported to the media server")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
