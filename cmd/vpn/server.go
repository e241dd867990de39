// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"code.hybscloud.com/portvpn/internal/tunnelserver"
	"code.hybscloud.com/portvpn/internal/vpnlog"
)

func newServerCommand() *cobra.Command {
	var tunnelAddress, serverAddress string
	var tunnelPort, serverPort int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "accept public traffic and relay it to whichever client is tunneled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := vpnlog.New(verbose)

			tunnelAddr := net.JoinHostPort(tunnelAddress, fmt.Sprint(tunnelPort))
			publicAddr := net.JoinHostPort(serverAddress, fmt.Sprint(serverPort))

			log.WithFields(logrus.Fields{
				"tunnel_address": tunnelAddr,
				"public_address": publicAddr,
			}).Info("starting vpn server")

			srv := tunnelserver.New(tunnelAddr, publicAddr, tunnelserver.WithLogger(log))

			ctx, cancel := context.WithCancel(cmd.Context())
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
				signal.Stop(sig)
			}()

			err := srv.Run(ctx)
			if err == nil || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			if errors.Is(err, syscall.EADDRINUSE) {
				os.Exit(1)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&tunnelAddress, "tunnel-address", "0.0.0.0", "address the tunnel client dials")
	cmd.Flags().IntVar(&tunnelPort, "tunnel-port", 0, "port the tunnel client dials")
	cmd.Flags().StringVar(&serverAddress, "server-address", "0.0.0.0", "address end users connect to")
	cmd.Flags().IntVar(&serverPort, "server-port", 0, "port end users connect to")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at info level instead of warn")
	cmd.MarkFlagRequired("tunnel-port")
	cmd.MarkFlagRequired("server-port")

	return cmd
}
