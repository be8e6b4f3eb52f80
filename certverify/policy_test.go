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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, host string) (der []byte, pemBytes []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	pemBytes = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return der, pemBytes
}

func TestPolicyPinnedAcceptsExactMatch(t *testing.T) {
	der, pemBytes := selfSignedCert(t, "example.test")
	dir := t.TempDir()
	path := filepath.Join(dir, "pinned.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	p, err := NewPinned(path, "example.test")
	require.NoError(t, err)

	err = p.verifyPeerCertificate([][]byte{der}, nil)
	assert.NoError(t, err)
}

func TestPolicyPinnedRejectsMismatch(t *testing.T) {
	_, pemBytes := selfSignedCert(t, "example.test")
	otherDER, _ := selfSignedCert(t, "other.test")

	dir := t.TempDir()
	path := filepath.Join(dir, "pinned.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	p, err := NewPinned(path, "example.test")
	require.NoError(t, err)

	err = p.verifyPeerCertificate([][]byte{otherDER}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPinMismatch)
}

func TestPolicyPinnedRejectsExtraChainEntries(t *testing.T) {
	der, pemBytes := selfSignedCert(t, "example.test")
	otherDER, _ := selfSignedCert(t, "other.test")

	dir := t.TempDir()
	path := filepath.Join(dir, "pinned.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	p, err := NewPinned(path, "example.test")
	require.NoError(t, err)

	err = p.verifyPeerCertificate([][]byte{der, otherDER}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPinChainTooLong)
}

func TestPolicyTrustStoreVerifiesAgainstBundle(t *testing.T) {
	der, pemBytes := selfSignedCert(t, "example.test")

	dir := t.TempDir()
	bundle := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bundle, pemBytes, 0o600))

	p, err := NewTrustStore(bundle, "", "example.test")
	require.NoError(t, err)

	err = p.verifyPeerCertificate([][]byte{der}, nil)
	assert.NoError(t, err)
}

func TestPolicyTrustStoreRejectsHostnameMismatch(t *testing.T) {
	der, pemBytes := selfSignedCert(t, "example.test")

	dir := t.TempDir()
	bundle := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bundle, pemBytes, 0o600))

	p, err := NewTrustStore(bundle, "", "wrong.test")
	require.NoError(t, err)

	err = p.verifyPeerCertificate([][]byte{der}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHostnameMismatch)
}

func TestPolicyTrustStoreRejectsUntrustedCert(t *testing.T) {
	der, _ := selfSignedCert(t, "example.test")
	_, unrelatedPEM := selfSignedCert(t, "unrelated.test")

	dir := t.TempDir()
	bundle := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bundle, unrelatedPEM, 0o600))

	p, err := NewTrustStore(bundle, "", "example.test")
	require.NoError(t, err)

	err = p.verifyPeerCertificate([][]byte{der}, nil)
	require.Error(t, err)
}

func TestNewTrustStoreRequiresAtLeastOneSource(t *testing.T) {
	_, err := NewTrustStore("", "", "example.test")
	require.Error(t, err)
}

func TestMatchesHostnameWildcard(t *testing.T) {
	der, _ := selfSignedCert(t, "*.example.test")
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	assert.True(t, matchesHostname(cert, "api.example.test"))
	assert.False(t, matchesHostname(cert, "example.test"))
	assert.False(t, matchesHostname(cert, "api.other.test"))
}

func TestMatchesCommonNameFallback(t *testing.T) {
	assert.True(t, matchesCommonName("example.test", "example.test"))
	assert.True(t, matchesCommonName("*.example.test", "api.example.test"))
	assert.False(t, matchesCommonName("*.example.test", "example.test"))
	assert.False(t, matchesCommonName("example.test", "other.test"))
}
