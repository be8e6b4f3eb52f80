// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package certverify

import (
	"crypto/x509"
	"strings"
)

// matchesHostname reports whether cert is valid for host under RFC 6125
// wildcard rules, falling back to the deprecated Subject CN only when the
// certificate carries no DNS or IP SANs at all - the legacy behavior
// BoringSSLProofVerifier::VerifyCertChain relies on via OpenSSL's
// X509_check_host.
func matchesHostname(cert *x509.Certificate, host string) bool {
	if err := cert.VerifyHostname(host); err == nil {
		return true
	}
	if len(cert.DNSNames) > 0 || len(cert.IPAddresses) > 0 {
		return false
	}
	return matchesCommonName(cert.Subject.CommonName, host)
}

func matchesCommonName(cn, host string) bool {
	cn = strings.ToLower(cn)
	host = strings.ToLower(host)
	if cn == host {
		return true
	}
	if !strings.HasPrefix(cn, "*.") {
		return false
	}
	label, rest, ok := strings.Cut(host, ".")
	if !ok || label == "" {
		return false
	}
	return cn[2:] == rest
}
