// segmentd is the network segment allocation daemon for compute clusters.
//
// segmentd leases pre-provisioned segments (VLAN id + IPv4 prefix) to
// compute clusters, scoped by network (VRF) and site, with a remote
// NetBox-style IPAM as the system of record.
//
// Usage:
//
//	segmentd serve             Run the allocation API
//	segmentd scan              Run the consistency scan on a schedule
//	segmentd scan --once       Run a single pass and exit
//	segmentd version           Print version information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clickcluster/segmentd/pkg/config"
	"github.com/clickcluster/segmentd/pkg/ipam"
	"github.com/clickcluster/segmentd/pkg/logging"
	"github.com/clickcluster/segmentd/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "segmentd",
	Short:             "Network segment allocation backed by a remote IPAM",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `segmentd keeps compute clusters on unique network segments.

A segment couples a VLAN id with a pre-provisioned IPv4 prefix inside a
(network, site) pool. Clusters lease the lowest free segment through the
allocation API; the remote IPAM stays the system of record.`,
}

func init() {
	rootCmd.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newVersionCmd(),
	)
}

// boot loads configuration and brings the logger up; every subcommand
// that talks to the IPAM starts here.
func boot() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.ConfigureLogger(cfg.LogFile, cfg.LogLevel)
	return cfg, nil
}

// newIPAMClient wires the gateway from configuration.
func newIPAMClient(cfg *config.Config) (*ipam.Client, error) {
	return ipam.NewClient(ipam.Config{
		URL:          cfg.IPAMURL,
		Token:        cfg.IPAMToken,
		SSLVerify:    cfg.SSLVerify(),
		ReadWorkers:  cfg.ReadWorkers,
		WriteWorkers: cfg.WriteWorkers,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("segmentd %s\n", version.Info())
		},
	}
}
