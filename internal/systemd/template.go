package systemd

import "fmt"

// UnitName is the installed unit file name.
const UnitName = "procwatch.service"

// UnitPath is where init --install-systemd writes the unit.
const UnitPath = "/etc/systemd/system/" + UnitName

// Template returns the systemd unit for the procwatch daemon. CAP_NET_ADMIN
// lets the daemon subscribe to kernel process events; without it the
// daemon runs polling-only.
func Template(binary, configPath string) string {
	return fmt.Sprintf(`[Unit]
Description=procwatch AI CLI process monitor
After=local-fs.target

[Service]
Type=simple
ExecStart=%s run --config %s
Restart=on-failure
RestartSec=2
AmbientCapabilities=CAP_NET_ADMIN
CapabilityBoundingSet=CAP_NET_ADMIN CAP_SYS_PTRACE CAP_DAC_READ_SEARCH
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
StateDirectory=procwatch

[Install]
WantedBy=multi-user.target
`, binary, configPath)
}
