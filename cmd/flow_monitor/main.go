// Flow monitor tails the meter bridge's event stream and prints every
// event as a JSON line. Depends on the bridge being online.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/hydroware/water_meter_link/pkg/config"
	"github.com/hydroware/water_meter_link/pkg/feed"
)

func main() {
	if err := config.LoadFlowMonitorConfig(); err != nil {
		log.Fatalf("Failed to load flow monitor config: %v", err)
	}

	// BRIDGE_HOST overrides the configured host:port
	host := os.Getenv("BRIDGE_HOST")
	if host == "" {
		host = config.ActiveFlowMonitorConfig.BridgeHost
	}

	// Subscribe to the bridge feed with reconnect
	feed.StartListener(host, config.ActiveFlowMonitorConfig.TLSEnabled, handleEvent)
}

func handleEvent(event *feed.Event) {
	fmt.Println(string(event.ToJsonBytes()))
}
