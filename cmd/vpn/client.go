// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"code.hybscloud.com/portvpn/internal/tunnelclient"
	"code.hybscloud.com/portvpn/internal/vpnlog"
)

func newClientCommand() *cobra.Command {
	var tunnelAddress, serverAddress string
	var tunnelPort, serverPort int
	var reconnectDelayMS int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "client",
		Short: "dial a vpn server and relay its flows to a local origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := vpnlog.New(verbose)

			controlAddr := net.JoinHostPort(tunnelAddress, fmt.Sprint(tunnelPort))
			originAddr := net.JoinHostPort(serverAddress, fmt.Sprint(serverPort))

			log.WithFields(logrus.Fields{
				"tunnel_address":     controlAddr,
				"origin_address":     originAddr,
				"reconnect_delay_ms": reconnectDelayMS,
			}).Info("starting vpn client")

			client := tunnelclient.New(controlAddr, originAddr,
				tunnelclient.WithLogger(log),
				tunnelclient.WithReconnectDelay(time.Duration(reconnectDelayMS)*time.Millisecond),
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
				signal.Stop(sig)
			}()

			return client.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&tunnelAddress, "tunnel-address", "", "address of the vpn server's tunnel listener")
	cmd.Flags().IntVar(&tunnelPort, "tunnel-port", 0, "port of the vpn server's tunnel listener")
	cmd.Flags().StringVar(&serverAddress, "server-address", "", "address of the local origin to relay to")
	cmd.Flags().IntVar(&serverPort, "server-port", 0, "port of the local origin to relay to")
	cmd.Flags().IntVar(&reconnectDelayMS, "reconnect-delay", 500, "delay in milliseconds between reconnect attempts")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at info level instead of warn")
	cmd.MarkFlagRequired("tunnel-address")
	cmd.MarkFlagRequired("tunnel-port")
	cmd.MarkFlagRequired("server-address")
	cmd.MarkFlagRequired("server-port")

	return cmd
}
