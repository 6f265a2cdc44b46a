/*
Package security provides the daemon's TLS layer: a bbolt-persisted
certificate authority that signs the daemon's server certificate and
the client certificates handed to remote CLIs, plus file helpers for
saving and loading issued pairs under ~/.chefd/certs.

The local Unix-socket transport needs none of this; TLS only guards
the optional TCP listener the RPC surface exposes for remote
read-only access.

# Certificate hierarchy

	chefd Root CA (self-signed, 10 years, persisted in ca.db)
	├── chefd server certificate (90 days, per-start issuance)
	└── cli-<id> client certificates (90 days, saved to disk)

# Usage

	ca, err := security.OpenCertAuthority(dataDir)
	if err != nil { ... }
	serverCert, err := ca.IssueServerCertificate(
		[]string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
*/
package security
