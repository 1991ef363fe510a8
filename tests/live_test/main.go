package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
)

var (
	iscsi    *libiscsi.Context
	portal   string
	port     int
	target   string
	chapUser string
	chapPass string
)

func setup() error {
	portal = os.Getenv("ISCSI_LIVE_PORTAL")
	target = os.Getenv("ISCSI_LIVE_TARGET")
	chapUser = os.Getenv("ISCSI_LIVE_CHAP_USER")
	chapPass = os.Getenv("ISCSI_LIVE_CHAP_PASSWORD")

	if portal == "" {
		return fmt.Errorf("ISCSI_LIVE_PORTAL is required")
	}
	if p := os.Getenv("ISCSI_LIVE_PORT"); p != "" {
		var err error
		if port, err = strconv.Atoi(p); err != nil {
			return fmt.Errorf("ISCSI_LIVE_PORT: %v", err)
		}
	}

	if os.Getenv("ISCSI_LIVE_DEBUG") == "true" {
		log.SetLevel(log.DebugLevel)
	}

	var err error
	iscsi, err = libiscsi.Init()
	return err
}

func main() {
	if err := setup(); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}
	defer iscsi.Close()

	nodes := runTestA()
	runTestB(nodes)
	runTestC()
}

// check panics with the context's message when err is set.
func check(what string, err error) {
	if err != nil {
		panic(fmt.Errorf("%s failed: %s", what, iscsi.ErrorString()))
	}
}

func authInfo() *libiscsi.AuthInfo {
	if chapUser == "" {
		return &libiscsi.AuthInfo{Method: libiscsi.AuthNone}
	}
	return &libiscsi.AuthInfo{
		Method: libiscsi.AuthCHAP,
		CHAP:   libiscsi.ChapCredentials{Username: chapUser, Password: chapPass},
	}
}

func runTestA() []libiscsi.Node {
	fmt.Println("=== Test A: SendTargets discovery, parameter round-trip ===")

	var discoveryAuth *libiscsi.AuthInfo
	if chapUser != "" {
		discoveryAuth = authInfo()
	}
	found, err := iscsi.DiscoverSendTargets(portal, port, discoveryAuth)
	check("DiscoverSendTargets", err)

	var nodes []libiscsi.Node
	for _, n := range found {
		log.WithFields(log.Fields{"target": n.Name, "address": n.Address, "port": n.Port, "iface": n.Iface}).Debug("Discovered")
		if target == "" || n.Name == target {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		panic(fmt.Errorf("no node for target %q at %s", target, portal))
	}
	fmt.Printf("Discovered %d nodes, using %d\n", len(found), len(nodes))

	// Rediscovery replaces records instead of adding more
	again, err := iscsi.DiscoverSendTargets(portal, port, discoveryAuth)
	check("DiscoverSendTargets (again)", err)
	if len(again) != len(found) {
		panic(fmt.Errorf("rediscovery returned %d nodes, want %d", len(again), len(found)))
	}

	n := nodes[0]
	check("SetParameter", iscsi.SetParameter(n, "node.session.timeo.replacement_timeout", "90"))
	v, err := iscsi.GetParameter(n, "node.session.timeo.replacement_timeout")
	check("GetParameter", err)
	if v != "90" {
		panic(fmt.Errorf("replacement_timeout is %q, want 90", v))
	}
	fmt.Println("Test A Passed")
	return nodes
}

func runTestB(nodes []libiscsi.Node) {
	fmt.Println("\n=== Test B: auth set/get, login, list sessions, logout ===")

	n := nodes[0]
	check("SetAuth", iscsi.SetAuth(n, authInfo()))
	auth, err := iscsi.GetAuth(n)
	check("GetAuth", err)
	if auth.Method != authInfo().Method || auth.CHAP.Username != chapUser {
		panic(fmt.Errorf("GetAuth returned %+v", auth))
	}
	fmt.Printf("Auth method %s stored\n", auth.Method)

	check("Login", iscsi.Login(n))
	sessions, err := iscsi.GetSessionInfos()
	check("GetSessionInfos", err)

	var sid int
	for _, s := range sessions {
		log.WithFields(log.Fields{"sid": s.SID, "target": s.TargetName, "iface": s.Iface}).Debug("Session")
		if s.TargetName == n.Name {
			sid = s.SID
		}
	}
	if sid == 0 {
		panic(fmt.Errorf("no session to %s after login", n.Name))
	}
	info, err := iscsi.GetSessionInfoByID(strconv.Itoa(sid))
	check("GetSessionInfoByID", err)
	fmt.Printf("Session %d to %s (recovery timeout %d)\n", info.SID, info.TargetName, info.Timeout.RecoveryTmo)

	check("Logout", iscsi.Logout(n))
	fmt.Println("Test B Passed")
}

func runTestC() {
	fmt.Println("\n=== Test C: unknown node is reported as not found ===")

	bogus := libiscsi.Node{Name: "iqn.2000-01.invalid:live-test", TPGT: 1, Address: portal, Port: libiscsi.ISCSIListenPort}
	err := iscsi.Login(bogus)
	if !errors.Is(err, libiscsi.ErrNotFound) {
		panic(fmt.Errorf("Login of unknown node returned %v", err))
	}
	if iscsi.ErrorString() != "No such node" {
		panic(fmt.Errorf("unexpected error string %q", iscsi.ErrorString()))
	}
	fmt.Println("Test C Passed")
}
