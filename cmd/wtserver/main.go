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

// Command wtserver runs a minimal WebTransport server that echoes back
// every datagram and every bidirectional stream it receives, the same
// end-to-end demo the library's datagram-echo scenario describes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webtransport-go/wtendpoint/wtendpoint"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wtserver",
		Short:         "Run a WebTransport datagram and stream echo server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runEcho,
	}
	root.Flags().String("host", "0.0.0.0", "bind host")
	root.Flags().Int("port", 4433, "bind UDP port")
	root.Flags().String("cert", "", "PEM certificate chain file (required)")
	root.Flags().String("key", "", "PEM private key file (required)")
	_ = root.MarkFlagRequired("cert")
	_ = root.MarkFlagRequired("key")
	return root
}

func runEcho(cmd *cobra.Command, _ []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("wtserver: building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	certFile, _ := cmd.Flags().GetString("cert")
	keyFile, _ := cmd.Flags().GetString("key")

	srv := wtendpoint.NewServer(wtendpoint.ServerConfig{
		Host:     host,
		Port:     port,
		CertFile: certFile,
		KeyFile:  keyFile,
		Logger:   logger,
	})

	srv.OnSession(func(sess *wtendpoint.Session, path string) bool {
		logger.Info("session ready", zap.String("path", path), zap.String("session", sess.ID().String()))

		sess.OnDatagram(func(data []byte) {
			if err := sess.SendDatagram(data); err != nil {
				logger.Warn("echoing datagram", zap.Error(err))
			}
		})

		sess.OnBidiStream(func(_ *wtendpoint.Session, stream *wtendpoint.Stream, _ string) {
			stream.OnRead(func(data []byte, fin bool) {
				if len(data) > 0 {
					if err := stream.Send(data); err != nil {
						logger.Warn("echoing stream data", zap.Error(err))
					}
				}
				if fin {
					_ = stream.Close()
				}
			})
		})

		return true
	})

	srv.OnSessionError(func(err error) {
		logger.Warn("session error", zap.Error(err))
	})

	return srv.Listen()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
