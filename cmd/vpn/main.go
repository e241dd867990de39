// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command vpn runs either half of a reverse TCP tunnel: "vpn server" on
// the publicly reachable host, "vpn client" on the host that can reach the
// private origin.
//
// The wire protocol carries no authentication or encryption; deploy behind
// an already-trusted network or an outer authenticated transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "vpn",
		Short:         "reverse TCP tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServerCommand())
	root.AddCommand(newClientCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
