package idbm

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

const recordVersion = "2.1"

type kv struct {
	key   string
	value string
}

func parseKV(data []byte) ([]kv, error) {
	var out []kv
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing '='", ErrCorrupt, lineNo)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			uq, err := strconv.Unquote(v)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad quoted value for %s", ErrCorrupt, lineNo, k)
			}
			v = uq
		}
		out = append(out, kv{key: k, value: v})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeKV(pairs []kv) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# BEGIN RECORD %s\n", recordVersion)
	for _, p := range pairs {
		fmt.Fprintf(&b, "%s = %s\n", p.key, quoteValue(p.value))
	}
	b.WriteString("# END RECORD\n")
	return b.Bytes()
}

// quoteValue keeps padding and control characters intact across a
// write/parse cycle. Plain values are written bare.
func quoteValue(v string) string {
	if v != strings.TrimSpace(v) || strings.HasPrefix(v, `"`) || strings.ContainsAny(v, "\r\n") {
		return strconv.Quote(v)
	}
	return v
}

func marshalNode(rec *NodeRecord) []byte {
	pairs := make([]kv, 0, len(nodeParams))
	for _, p := range nodeParams {
		if p.visible == Hidden {
			continue
		}
		pairs = append(pairs, kv{key: p.name, value: p.get(rec)})
	}
	return writeKV(pairs)
}

func unmarshalNode(data []byte) (*NodeRecord, error) {
	pairs, err := parseKV(data)
	if err != nil {
		return nil, err
	}
	rec := NewNodeRecord()
	for _, p := range pairs {
		desc, ok := lookupParam(p.key)
		if !ok {
			klog.V(4).Infof("idbm: ignoring unknown node key %q", p.key)
			continue
		}
		if err := desc.set(rec, p.value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return rec, nil
}

func marshalIface(iface Iface) []byte {
	return writeKV([]kv{
		{"iface.iscsi_ifacename", iface.Name},
		{"iface.transport_name", iface.TransportName},
		{"iface.hwaddress", iface.HWAddress},
		{"iface.net_ifacename", iface.NetIfaceName},
		{"iface.ipaddress", iface.IPAddress},
		{"iface.initiatorname", iface.InitiatorName},
	})
}

func unmarshalIface(data []byte) (Iface, error) {
	pairs, err := parseKV(data)
	if err != nil {
		return Iface{}, err
	}
	var iface Iface
	for _, p := range pairs {
		switch p.key {
		case "iface.iscsi_ifacename":
			iface.Name = p.value
		case "iface.transport_name":
			iface.TransportName = p.value
		case "iface.hwaddress":
			iface.HWAddress = p.value
		case "iface.net_ifacename":
			iface.NetIfaceName = p.value
		case "iface.ipaddress":
			iface.IPAddress = p.value
		case "iface.initiatorname":
			iface.InitiatorName = p.value
		}
	}
	if iface.TransportName == "" {
		iface.TransportName = "tcp"
	}
	return iface, nil
}

func marshalDiscovery(drec *DiscoveryRecord) []byte {
	st := drec.SendTargets
	return writeKV([]kv{
		{"discovery.type", drec.Type.String()},
		{"discovery.sendtargets.address", drec.Address},
		{"discovery.sendtargets.port", strconv.Itoa(drec.Port)},
		{"discovery.sendtargets.auth.authmethod", st.Auth.AuthMethod},
		{"discovery.sendtargets.auth.username", st.Auth.Username},
		{"discovery.sendtargets.auth.password", st.Auth.Password},
		{"discovery.sendtargets.auth.username_in", st.Auth.UsernameIn},
		{"discovery.sendtargets.auth.password_in", st.Auth.PasswordIn},
		{"discovery.sendtargets.reopen_max", strconv.Itoa(st.ReopenMax)},
		{"discovery.sendtargets.timeo.auth_timeout", strconv.Itoa(st.AuthTimeout)},
		{"discovery.sendtargets.timeo.active_timeout", strconv.Itoa(st.ActiveTimeout)},
		{"discovery.sendtargets.use_discoveryd", boolString(st.UseDiscoveryd)},
	})
}

func unmarshalDiscovery(data []byte) (*DiscoveryRecord, error) {
	pairs, err := parseKV(data)
	if err != nil {
		return nil, err
	}
	drec := &DiscoveryRecord{Type: DiscoverySendTargets, Port: DefaultPort, SendTargets: SendTargetsDefaults()}
	st := &drec.SendTargets
	for _, p := range pairs {
		switch p.key {
		case "discovery.type":
			if drec.Type, err = parseDiscoveryType(p.value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		case "discovery.sendtargets.address":
			drec.Address = p.value
		case "discovery.sendtargets.port":
			drec.Port, err = atoiField(p)
		case "discovery.sendtargets.auth.authmethod":
			st.Auth.AuthMethod = p.value
		case "discovery.sendtargets.auth.username":
			st.Auth.Username = p.value
		case "discovery.sendtargets.auth.password":
			st.Auth.Password = p.value
		case "discovery.sendtargets.auth.username_in":
			st.Auth.UsernameIn = p.value
		case "discovery.sendtargets.auth.password_in":
			st.Auth.PasswordIn = p.value
		case "discovery.sendtargets.reopen_max":
			st.ReopenMax, err = atoiField(p)
		case "discovery.sendtargets.timeo.auth_timeout":
			st.AuthTimeout, err = atoiField(p)
		case "discovery.sendtargets.timeo.active_timeout":
			st.ActiveTimeout, err = atoiField(p)
		case "discovery.sendtargets.use_discoveryd":
			st.UseDiscoveryd = p.value == "Yes"
		}
		if err != nil {
			return nil, err
		}
	}
	return drec, nil
}

func atoiField(p kv) (int, error) {
	n, err := strconv.Atoi(p.value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s = %q", ErrCorrupt, p.key, p.value)
	}
	return n, nil
}

func boolString(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
