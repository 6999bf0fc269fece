package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"

	"github.com/liblocker/liblocker/internal/cert"
)

// ensureTLSMaterial generates the CA and server pair when auto generation is on.
func ensureTLSMaterial(tlsCfg TLSConfig) error {
	if !tlsCfg.Enabled || !tlsCfg.AutoGenerate {
		return nil
	}

	var ips []net.IP
	for _, raw := range ParseCommaSeparated(tlsCfg.IPAddresses) {
		ip := net.ParseIP(raw)
		if ip == nil {
			return fmt.Errorf("invalid IP address in grpc.tls.ip_addresses: %q", raw)
		}
		ips = append(ips, ip)
	}

	return cert.Ensure(cert.Paths{
		CACert:     tlsCfg.CAFile,
		CAKey:      tlsCfg.CAKeyFile,
		ServerCert: tlsCfg.CertFile,
		ServerKey:  tlsCfg.KeyFile,
	}, cert.Options{
		DomainNames: ParseCommaSeparated(tlsCfg.DomainNames),
		IPAddresses: ips,
	})
}

// runIssueCert signs a client certificate for an agent with the configured CA.
func runIssueCert(args []string) error {
	fs := flag.NewFlagSet("issue-cert", flag.ExitOnError)
	name := fs.String("name", "", "Agent name used as the certificate common name")
	outDir := fs.String("out", "./certs/agents", "Directory to write the certificate and key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	certPath := filepath.Join(*outDir, *name+".crt")
	keyPath := filepath.Join(*outDir, *name+".key")
	if err := cert.IssueClient(config.Grpc.TLS.CAFile, config.Grpc.TLS.CAKeyFile, *name, certPath, keyPath); err != nil {
		return err
	}
	slog.Info("Client certificate issued", "cert", certPath, "key", keyPath)
	return nil
}
