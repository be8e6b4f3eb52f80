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
	"net/url"
)

const (
	headerMethod    = ":method"
	headerProtocol  = ":protocol"
	headerScheme    = ":scheme"
	headerPath      = ":path"
	headerAuthority = ":authority"
	headerOrigin    = "origin"
)

// BuildHeaders returns the CONNECT header set for a WebTransport handshake
// to u, starting from the documented defaults and letting any key present
// in overrides replace the corresponding default on collision.
func BuildHeaders(u *url.URL, overrides http.Header) http.Header {
	path := u.Path
	if path == "" {
		path = "/"
	}

	h := http.Header{}
	h.Set(headerMethod, "CONNECT")
	h.Set(headerProtocol, "webtransport")
	h.Set(headerScheme, "https")
	h.Set(headerPath, path)
	h.Set(headerAuthority, u.Host)
	h.Set(headerOrigin, "https://"+u.Hostname())

	for key, values := range overrides {
		if len(values) == 0 {
			continue
		}
		h.Set(key, values[0])
	}
	return h
}
