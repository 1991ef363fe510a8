package libiscsi

import (
	"errors"

	"github.com/spf13/afero"

	"github.com/scaleoutsean/libiscsi-go/fwcontext"
)

func defaultFirmware(src FirmwareSource) FirmwareSource {
	if src != nil {
		return src
	}
	return fwcontext.New(afero.NewOsFs(), fwcontext.DefaultRoot, fwcontext.NetlinkResolver{})
}

func firmwareEntry(src FirmwareSource) (*fwcontext.BootContext, error) {
	entry, err := defaultFirmware(src).Entry()
	if err != nil {
		if errors.Is(err, fwcontext.ErrNoBootContext) {
			return nil, &Error{Kind: ErrNotFound, Msg: err.Error(), Err: err}
		}
		return nil, upstream(err)
	}
	return entry, nil
}

// GetFirmwareNetworkConfig returns the NIC setup of the first boot target.
// A nil src reads the local iBFT.
func GetFirmwareNetworkConfig(src FirmwareSource) (*NetworkConfig, error) {
	entry, err := firmwareEntry(src)
	if err != nil {
		return nil, err
	}
	return &NetworkConfig{
		DHCP:         entry.DHCP != "",
		IfaceName:    entry.Iface,
		MACAddress:   entry.MAC,
		IPAddress:    entry.IPAddress,
		Netmask:      entry.Netmask,
		Gateway:      entry.Gateway,
		PrimaryDNS:   entry.PrimaryDNS,
		SecondaryDNS: entry.SecondaryDNS,
	}, nil
}

// GetFirmwareInitiatorName returns the initiator name the firmware booted
// with. A nil src reads the local iBFT.
func GetFirmwareInitiatorName(src FirmwareSource) (string, error) {
	entry, err := firmwareEntry(src)
	if err != nil {
		return "", err
	}
	return entry.InitiatorName, nil
}

// Firmware returns the firmware source of c.
func (c *Context) Firmware() FirmwareSource {
	return c.firmware
}
