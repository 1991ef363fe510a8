package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
)

type chapFlags struct {
	username, password     string
	usernameIn, passwordIn string
}

func (c *chapFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.username, "chap-user", "", "CHAP username")
	cmd.Flags().StringVar(&c.password, "chap-password", "", "CHAP password")
	cmd.Flags().StringVar(&c.usernameIn, "chap-user-in", "", "Reverse CHAP username")
	cmd.Flags().StringVar(&c.passwordIn, "chap-password-in", "", "Reverse CHAP password")
}

// authInfo is nil when no CHAP flag was given.
func (c *chapFlags) authInfo() *libiscsi.AuthInfo {
	if *c == (chapFlags{}) {
		return nil
	}
	return &libiscsi.AuthInfo{
		Method: libiscsi.AuthCHAP,
		CHAP: libiscsi.ChapCredentials{
			Username:        c.username,
			Password:        c.password,
			ReverseUsername: c.usernameIn,
			ReversePassword: c.passwordIn,
		},
	}
}

// nodeFlags are bound to every command that addresses a node.
func nodeFlags(cmd *cobra.Command, n *libiscsi.Node) {
	cmd.Flags().StringVar(&n.Name, "name", "", "Target IQN (required)")
	cmd.Flags().IntVar(&n.TPGT, "tpgt", 1, "Target portal group tag")
	cmd.Flags().StringVar(&n.Address, "address", "", "Portal address (required)")
	cmd.Flags().IntVar(&n.Port, "port", libiscsi.ISCSIListenPort, "Portal port")
	cmd.Flags().StringVar(&n.Iface, "iface", "", "Restrict to one iface")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("address")
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Operate on node records",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List node records",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := iscsi.Nodes()
			if err != nil {
				return failed(err)
			}
			printNodes(nodes)
			return nil
		},
	}
	cmd.AddCommand(list)

	// each subcommand gets its own Node so flag defaults do not leak
	simple := func(use, short string, op func(libiscsi.Node) error) *cobra.Command {
		var n libiscsi.Node
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return failed(op(n))
			},
		}
		nodeFlags(c, &n)
		return c
	}
	cmd.AddCommand(
		simple("login", "Log in on every iface bound to the node", func(n libiscsi.Node) error { return iscsi.Login(n) }),
		simple("logout", "Log out every session to the node", func(n libiscsi.Node) error { return iscsi.Logout(n) }),
	)

	var getNode libiscsi.Node
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a node parameter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := iscsi.GetParameter(getNode, args[0])
			if err != nil {
				return failed(err)
			}
			fmt.Println(v)
			return nil
		},
	}
	nodeFlags(get, &getNode)

	var setNode libiscsi.Node
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a node parameter on every bound iface",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return failed(iscsi.SetParameter(setNode, args[0], args[1]))
		},
	}
	nodeFlags(set, &setNode)

	var authGetNode libiscsi.Node
	authGet := &cobra.Command{
		Use:   "auth-get",
		Short: "Print the node authentication settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := iscsi.GetAuth(authGetNode)
			if err != nil {
				return failed(err)
			}
			w := newTable()
			fmt.Fprintf(w, "Method:\t%s\n", auth.Method)
			if auth.Method == libiscsi.AuthCHAP {
				fmt.Fprintf(w, "Username:\t%s\n", auth.CHAP.Username)
				fmt.Fprintf(w, "Username_in:\t%s\n", auth.CHAP.ReverseUsername)
			}
			return w.Flush()
		},
	}
	nodeFlags(authGet, &authGetNode)

	var (
		authSetNode libiscsi.Node
		method      string
		chap        chapFlags
	)
	authSet := &cobra.Command{
		Use:   "auth-set",
		Short: "Store authentication settings on every bound iface",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth := &libiscsi.AuthInfo{Method: libiscsi.AuthNone}
			switch strings.ToLower(method) {
			case "none":
			case "chap":
				auth = chap.authInfo()
				if auth == nil {
					auth = &libiscsi.AuthInfo{Method: libiscsi.AuthCHAP}
				}
			default:
				return fmt.Errorf("unknown method %q, use none or chap", method)
			}
			return failed(iscsi.SetAuth(authSetNode, auth))
		},
	}
	nodeFlags(authSet, &authSetNode)
	authSet.Flags().StringVar(&method, "method", "chap", "none or chap")
	chap.register(authSet)

	cmd.AddCommand(get, set, authGet, authSet)
	return cmd
}
