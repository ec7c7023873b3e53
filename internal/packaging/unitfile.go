package packaging

import "fmt"

// GenerateUnitFile produces the systemd unit for the relayd service.
func GenerateUnitFile(cfg InstallConfig) string {
	cfg.ApplyDefaults()

	return fmt.Sprintf(`[Unit]
Description=relayd TCP forwarder
After=network-online.target
Wants=network-online.target
StartLimitBurst=5
StartLimitIntervalSec=60

[Service]
Type=simple
ExecStart=%s up --config %s
Restart=always
RestartSec=5s
TimeoutStopSec=45s
LimitNOFILE=65536
AmbientCapabilities=CAP_NET_BIND_SERVICE
CapabilityBoundingSet=CAP_NET_BIND_SERVICE
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=true
PrivateTmp=true
ReadOnlyPaths=%s
ReadWritePaths=%s

[Install]
WantedBy=multi-user.target
`, cfg.BinaryPath, cfg.ConfigPath(), cfg.ConfigDir, cfg.AuditDir)
}
