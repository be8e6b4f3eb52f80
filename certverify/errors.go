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

import "errors"

// ErrPinChainTooLong is returned when pinned mode is configured but the
// peer presented more than one certificate. Grounded on
// web_transport_client_verify.cc, which only accepts a chain of exactly
// one certificate for public-key ("pinned") mode.
var ErrPinChainTooLong = errors.New("certverify: server presented a certificate chain longer than 1 in pinned mode")

// ErrPinMismatch is returned when the single presented certificate does
// not byte-for-byte (DER) match the pinned certificate.
var ErrPinMismatch = errors.New("certverify: presented certificate does not match the pinned certificate")

// ErrHostnameMismatch is returned when chain verification succeeds but
// the leaf certificate's SANs (or CN fallback) do not match the
// configured host.
var ErrHostnameMismatch = errors.New("certverify: certificate is valid but does not match the requested host")

// VerifyFailedError wraps the underlying cause of a verification failure
// in a single error class, mirroring the free-text CertVerifyFailed
// status the original proof verifier returns for every rejection reason.
type VerifyFailedError struct {
	Cause error
}

func (e *VerifyFailedError) Error() string {
	return "certverify: CertVerifyFailed: " + e.Cause.Error()
}

func (e *VerifyFailedError) Unwrap() error { return e.Cause }

func fail(cause error) error {
	return &VerifyFailedError{Cause: cause}
}
