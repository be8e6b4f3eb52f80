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

package wtendpoint

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientURLAcceptsHTTPS(t *testing.T) {
	u, err := ParseClientURL("https://example.test:4433/echo")
	require.NoError(t, err)
	assert.Equal(t, "example.test:4433", u.Host)
	assert.Equal(t, "/echo", u.Path)
}

func TestParseClientURLRejectsNonHTTPS(t *testing.T) {
	tests := []string{
		"http://example.test/echo",
		"quic://example.test/echo",
		"ftp://example.test/echo",
	}
	for _, raw := range tests {
		_, err := ParseClientURL(raw)
		assert.ErrorIs(t, err, ErrURLInvalid, raw)
	}
}

func TestParseClientURLRejectsMissingHost(t *testing.T) {
	_, err := ParseClientURL("https:///echo")
	assert.ErrorIs(t, err, ErrURLInvalid)
}

func TestParseClientURLRejectsMalformed(t *testing.T) {
	_, err := ParseClientURL("https://[::1")
	assert.ErrorIs(t, err, ErrURLInvalid)
}

func TestBuildHeadersDefaults(t *testing.T) {
	u, err := ParseClientURL("https://example.test:4433/echo")
	require.NoError(t, err)

	h := BuildHeaders(u, nil)
	assert.Equal(t, "CONNECT", h.Get(headerMethod))
	assert.Equal(t, "webtransport", h.Get(headerProtocol))
	assert.Equal(t, "https", h.Get(headerScheme))
	assert.Equal(t, "/echo", h.Get(headerPath))
	assert.Equal(t, "example.test:4433", h.Get(headerAuthority))
	assert.Equal(t, "https://example.test", h.Get(headerOrigin))
}

func TestBuildHeadersOverridesOnCollision(t *testing.T) {
	u, err := ParseClientURL("https://example.test/echo")
	require.NoError(t, err)

	overrides := http.Header{}
	overrides.Set(headerOrigin, "https://custom.test")
	overrides.Set("x-extra", "1")

	h := BuildHeaders(u, overrides)
	assert.Equal(t, "https://custom.test", h.Get(headerOrigin))
	assert.Equal(t, "1", h.Get("x-extra"))
	assert.Equal(t, "CONNECT", h.Get(headerMethod))
}

func TestBuildHeadersDefaultsRootPath(t *testing.T) {
	u, err := ParseClientURL("https://example.test")
	require.NoError(t, err)
	h := BuildHeaders(u, nil)
	assert.Equal(t, "/", h.Get(headerPath))
}
