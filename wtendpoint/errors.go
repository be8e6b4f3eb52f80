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

import "errors"

// ErrURLInvalid is returned by ParseClientURL / NewClient for any URL that
// is not well-formed or does not use the https scheme.
var ErrURLInvalid = errors.New("wtendpoint: invalid client URL")

// ErrStreamClosed is returned by Stream.Send once the stream is no longer
// writable - after a local or remote close, reset, or a prior failed write.
var ErrStreamClosed = errors.New("wtendpoint: stream is not writable")
