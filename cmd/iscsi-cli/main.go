package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
	"github.com/scaleoutsean/libiscsi-go/config"
)

var (
	configPath   string
	dbRoot       string
	sysfsRoot    string
	firmwareRoot string
	iscsi        *libiscsi.Context
)

// failed turns a library error into the message recorded in the context.
func failed(err error) error {
	var e *libiscsi.Error
	if iscsi != nil && errors.As(err, &e) {
		return errors.New(iscsi.ErrorString())
	}
	return err
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func main() {
	var rootCmd = &cobra.Command{
		Use:           "iscsi-cli",
		Short:         "Administer iSCSI node records and sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("ISCSI_CONFIG")
			}
			fs := afero.NewOsFs()
			cfg, err := config.Load(fs, configPath)
			if err != nil {
				return err
			}
			// flags win over the file and the environment
			if cmd.Flags().Changed("db-root") {
				cfg.Records.Root = dbRoot
			}
			if cmd.Flags().Changed("sysfs-root") {
				cfg.Sysfs.Root = sysfsRoot
			}
			if cmd.Flags().Changed("firmware-root") {
				cfg.Firmware.Root = firmwareRoot
			}

			iscsi, err = libiscsi.Init(
				libiscsi.WithFs(fs),
				libiscsi.WithRecordRoot(cfg.Records.Root),
				libiscsi.WithSysfsRoot(cfg.Sysfs.Root),
				libiscsi.WithFirmwareRoot(cfg.Firmware.Root),
			)
			return err
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file (env ISCSI_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbRoot, "db-root", "", "Node record database root (env ISCSI_DB_ROOT)")
	rootCmd.PersistentFlags().StringVar(&sysfsRoot, "sysfs-root", "", "sysfs mount point (env ISCSI_SYSFS_ROOT)")
	rootCmd.PersistentFlags().StringVar(&firmwareRoot, "firmware-root", "", "Firmware tables root (env ISCSI_FIRMWARE_ROOT)")

	rootCmd.AddCommand(discoverCmd(), nodeCmd(), sessionCmd(), firmwareCmd())

	err := rootCmd.Execute()
	if iscsi != nil {
		if cerr := iscsi.Close(); cerr != nil {
			log.Printf("Warning: %v", cerr)
		}
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func printNodes(nodes []libiscsi.Node) {
	w := newTable()
	fmt.Fprintln(w, "TARGET\tPORTAL\tTPGT\tIFACE")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s:%d\t%d\t%s\n", n.Name, n.Address, n.Port, n.TPGT, n.Iface)
	}
	w.Flush()
}

func discoverCmd() *cobra.Command {
	var (
		address string
		port    int
		chap    chapFlags
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover targets",
	}

	sendTargets := &cobra.Command{
		Use:   "sendtargets",
		Short: "Run SendTargets discovery against a portal",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := iscsi.DiscoverSendTargets(address, port, chap.authInfo())
			if err != nil {
				return failed(err)
			}
			printNodes(nodes)
			return nil
		},
	}
	sendTargets.Flags().StringVar(&address, "address", "", "Portal address (required)")
	sendTargets.Flags().IntVar(&port, "port", 0, "Portal port, 0 means 3260")
	chap.register(sendTargets)
	sendTargets.MarkFlagRequired("address")

	fw := &cobra.Command{
		Use:   "firmware",
		Short: "Create node records from the firmware boot context",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := iscsi.DiscoverFirmware()
			if err != nil {
				return failed(err)
			}
			printNodes(nodes)
			return nil
		},
	}

	cmd.AddCommand(sendTargets, fw)
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect live sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := iscsi.GetSessionInfos()
			if err != nil {
				return failed(err)
			}
			w := newTable()
			fmt.Fprintln(w, "SID\tTARGET\tPORTAL\tTPGT\tIFACE")
			for _, s := range infos {
				fmt.Fprintf(w, "%d\t%s\t%s:%d\t%d\t%s\n", s.SID, s.TargetName, s.Address, s.Port, s.TPGT, s.Iface)
			}
			return w.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session, by number or sysfs name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := iscsi.GetSessionInfoByID(args[0])
			if err != nil {
				return failed(err)
			}
			w := newTable()
			fmt.Fprintf(w, "SID:\t%d\n", s.SID)
			fmt.Fprintf(w, "Target:\t%s\n", s.TargetName)
			fmt.Fprintf(w, "Portal:\t%s:%d\n", s.Address, s.Port)
			fmt.Fprintf(w, "Persistent portal:\t%s:%d\n", s.PersistentAddress, s.PersistentPort)
			fmt.Fprintf(w, "TPGT:\t%d\n", s.TPGT)
			fmt.Fprintf(w, "Iface:\t%s\n", s.Iface)
			fmt.Fprintf(w, "Recovery timeout:\t%d\n", s.Timeout.RecoveryTmo)
			fmt.Fprintf(w, "LU reset timeout:\t%d\n", s.Timeout.LUResetTmo)
			fmt.Fprintf(w, "Target reset timeout:\t%d\n", s.Timeout.TgtResetTmo)
			fmt.Fprintf(w, "Abort timeout:\t%d\n", s.Timeout.AbortTmo)
			fmt.Fprintf(w, "CHAP username:\t%s\n", s.CHAP.Username)
			fmt.Fprintf(w, "CHAP username_in:\t%s\n", s.CHAP.UsernameIn)
			return w.Flush()
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func firmwareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "Read the firmware boot context",
	}

	netCfg := &cobra.Command{
		Use:   "network-config",
		Short: "Show the boot NIC configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := libiscsi.GetFirmwareNetworkConfig(iscsi.Firmware())
			if err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintf(w, "Iface:\t%s\n", nc.IfaceName)
			fmt.Fprintf(w, "MAC:\t%s\n", nc.MACAddress)
			fmt.Fprintf(w, "DHCP:\t%s\n", strconv.FormatBool(nc.DHCP))
			fmt.Fprintf(w, "IP address:\t%s\n", nc.IPAddress)
			fmt.Fprintf(w, "Netmask:\t%s\n", nc.Netmask)
			fmt.Fprintf(w, "Gateway:\t%s\n", nc.Gateway)
			fmt.Fprintf(w, "Primary DNS:\t%s\n", nc.PrimaryDNS)
			fmt.Fprintf(w, "Secondary DNS:\t%s\n", nc.SecondaryDNS)
			return w.Flush()
		},
	}

	name := &cobra.Command{
		Use:   "initiator-name",
		Short: "Show the initiator name from firmware",
		RunE: func(cmd *cobra.Command, args []string) error {
			iqn, err := libiscsi.GetFirmwareInitiatorName(iscsi.Firmware())
			if err != nil {
				return err
			}
			fmt.Println(iqn)
			return nil
		},
	}

	cmd.AddCommand(netCfg, name)
	return cmd
}
