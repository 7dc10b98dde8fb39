package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/identity"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the worker identifier",
	Long: `Print the identifier this host reports to the coordination server.

The identifier is derived from the host's non-loopback IPv4 addresses, so
it stays stable across restarts and changes when the addresses change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")

		fmt.Println(identity.NewGenerator().Identifier())

		if verbose {
			addrs, err := net.InterfaceAddrs()
			if err != nil {
				return fmt.Errorf("failed to list interface addresses: %v", err)
			}
			ips := identity.IPv4Addresses(addrs)
			if len(ips) == 0 {
				fmt.Println("  Addresses: none (using 127.0.0.1)")
			} else {
				fmt.Printf("  Addresses: %s\n", strings.Join(ips, ", "))
			}
		}
		return nil
	},
}

func init() {
	whoamiCmd.Flags().BoolP("verbose", "v", false, "Also print the addresses the identifier is derived from")
}
