package main

import (
	"fmt"

	libiscsi "github.com/scaleoutsean/libiscsi-go"
)

func main() {
	// Example usage
	ctx, err := libiscsi.Init()
	if err != nil {
		fmt.Println("Init failed:", err)
		return
	}
	defer ctx.Close()

	auth := &libiscsi.AuthInfo{
		Method: libiscsi.AuthCHAP,
		CHAP: libiscsi.ChapCredentials{
			Username: "initiator",
			Password: "secretsecret",
		},
	}

	// Port 0 means the iSCSI default, 3260
	nodes, err := ctx.DiscoverSendTargets("10.0.0.1", 0, auth)
	if err != nil {
		fmt.Println("Discovery failed:", ctx.ErrorString())
		return
	}

	for _, n := range nodes {
		fmt.Printf("Node: %+v\n", n)
		if err := ctx.SetParameter(n, "node.startup", "automatic"); err != nil {
			fmt.Println("SetParameter failed:", ctx.ErrorString())
		}
		if err := ctx.Login(n); err != nil {
			fmt.Println("Login failed:", ctx.ErrorString())
		}
	}

	sessions, err := ctx.GetSessionInfos()
	if err != nil {
		fmt.Println("No sessions:", ctx.ErrorString())
		return
	}
	for _, s := range sessions {
		fmt.Printf("Session %d: %s at %s:%d\n", s.SID, s.TargetName, s.Address, s.Port)
	}
}
