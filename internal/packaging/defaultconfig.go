package packaging

import "fmt"

// GenerateDefaultConfig produces the starter config.yaml written on first
// install. The forwarding sections are commented out, so relayd refuses to
// start until one is configured.
func GenerateDefaultConfig(cfg InstallConfig) string {
	cfg.ApplyDefaults()

	return fmt.Sprintf(`# relayd configuration
# Run "relayd validate --config %[1]s" after editing.

log_level: info
log_format: text

timeouts:
  idle: 5m

metrics:
  enabled: true
  listen_addr: %[2]s

audit:
  enabled: false
  dir: %[3]s/audit
  compress: true

registry:
  backend: memory

# redirects:
#   - name: web
#     listen: {host: 0.0.0.0, port: 8443, cert_file: %[4]s/server.crt, key_file: %[4]s/server.key}
#     target:
#       host: 10.0.0.5
#       port: 443
#       tls: true
#       expected_cert: {hash: "<relayd cert inspect>", ignore: chain_errors}
#
# multiplexers:
#   - name: fanin
#     listen: [{host: 127.0.0.1, port: 5432}, {host: 127.0.0.1, port: 6379}]
#     target: {host: relay.example.com, port: 9000, tls: true}
#
# demultiplexers:
#   - name: fanout
#     listen: {port: 9000, cert_file: %[4]s/server.crt, key_file: %[4]s/server.key}
#     routes:
#       5432: {host: db.internal, port: 5432}
#       6379: {host: cache.internal, port: 6379}
`, cfg.ConfigPath(), cfg.MetricsAddr, cfg.AuditDir, cfg.ConfigDir)
}
