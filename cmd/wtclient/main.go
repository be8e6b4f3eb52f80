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

// Command wtclient dials a WebTransport server and sends a couple of
// datagrams plus one bidirectional stream payload, the client half of the
// library's datagram-echo demo.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webtransport-go/wtendpoint/certverify"
	"github.com/webtransport-go/wtendpoint/wtendpoint"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wtclient",
		Short:         "Dial a WebTransport server and send a datagram and stream demo payload",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSend,
	}
	root.Flags().String("url", "https://localhost:4433/echo", "server URL")
	root.Flags().String("pin", "", "pinned server certificate file (PEM or DER); defaults to system trust store")
	root.Flags().String("payload", "hello", "payload to send as a datagram and as a stream body")
	return root
}

func runSend(cmd *cobra.Command, _ []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("wtclient: building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	rawURL, _ := cmd.Flags().GetString("url")
	pinFile, _ := cmd.Flags().GetString("pin")
	payload, _ := cmd.Flags().GetString("payload")

	cfg := wtendpoint.ClientConfig{URL: rawURL, Logger: logger}
	if pinFile != "" {
		u, err := wtendpoint.ParseClientURL(rawURL)
		if err != nil {
			return err
		}
		policy, err := certverify.NewPinned(pinFile, u.Hostname())
		if err != nil {
			return fmt.Errorf("wtclient: loading pinned certificate: %w", err)
		}
		cfg.Policy = policy
	}

	client, err := wtendpoint.NewClient(cfg)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var closeOnce func()
	closeOnce = func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}

	client.OnSessionOpen(func(sess *wtendpoint.Session) {
		logger.Info("session open", zap.String("session", sess.ID().String()))

		if err := sess.SendDatagram([]byte(payload)); err != nil {
			logger.Warn("sending datagram", zap.Error(err))
		}
		if err := sess.SendDatagram([]byte{0xff}); err != nil {
			logger.Warn("sending datagram", zap.Error(err))
		}

		stream, err := sess.OpenBidi(context.Background())
		if err != nil {
			logger.Warn("opening bidi stream", zap.Error(err))
		} else {
			stream.OnRead(func(data []byte, fin bool) {
				if len(data) > 0 {
					logger.Info("stream reply", zap.ByteString("data", data))
				}
				if fin {
					closeOnce()
				}
			})
			if err := stream.Send([]byte(payload)); err != nil {
				logger.Warn("sending stream payload", zap.Error(err))
			}
			_ = stream.Close()
		}

		go func() {
			time.Sleep(2 * time.Second)
			closeOnce()
		}()
	})

	client.OnSessionError(func(err error) {
		logger.Error("session error", zap.Error(err))
		closeOnce()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("wtclient: connecting: %w", err)
	}

	go func() {
		<-done
		client.Disconnect()
	}()

	return client.RunEventLoop(ctx)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
