package config

type MeterBridgeConfig struct {
	// Device node of the paired meter, e.g. /dev/rfcomm0.
	// Bind it with `rfcomm bind 0 <addr>` before starting the bridge.
	SerialDevice  string `toml:"serial_device"`
	Baudrate      uint   `toml:"baudrate"`
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
	// Open the meter link on startup instead of waiting for POST /connect.
	AutoConnect bool `toml:"auto_connect"`
}

type FlowMonitorConfig struct {
	BridgeHost string `toml:"bridge_host"`
	TLSEnabled bool   `toml:"tls_enabled"`
}
