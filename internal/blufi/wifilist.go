package blufi

import "strings"

// MaxSSIDLen is the 802.11 SSID byte limit.
const MaxSSIDLen = 32

// Network is one WiFi network seen by the device's radio. Immutable once
// parsed.
type Network struct {
	SSID string
	RSSI int8 // dBm
}

// plausibleRSSI reports whether b, read as a signed byte, falls in the dBm
// range real access points report. Used as the record boundary heuristic:
// SSID bytes are printable ASCII, RSSI bytes are not.
func plausibleRSSI(b byte) bool {
	v := int8(b)
	return v >= -100 && v <= -30
}

func printable(b byte) bool { return b >= 0x20 && b <= 0x7e }

// ParseWiFiList parses a reassembled scan buffer as a concatenation of
// [rssi][ssid...] records. The SSID has no length prefix; the parser
// consumes consecutive printable bytes until it runs out of buffer or hits a
// byte that plausibly starts the next record's RSSI. SSIDs containing bytes
// that themselves look like RSSI values can misparse; that matches observed
// device behavior and is not hardened further.
func ParseWiFiList(buf []byte) []Network {
	var nets []Network
	i := 0
	for i < len(buf) {
		rssi := buf[i]
		i++
		start := i
		for i < len(buf) && printable(buf[i]) && i-start < MaxSSIDLen {
			i++
		}
		ssid := CleanSSID(string(buf[start:i]))
		if plausibleRSSI(rssi) && ssid != "" {
			nets = append(nets, Network{SSID: ssid, RSSI: int8(rssi)})
		}
	}
	return nets
}

// CleanSSID strips ASCII control characters. Scan results occasionally carry
// stray control bytes that must not be echoed back to the device when the
// SSID is re-sent during provisioning.
func CleanSSID(ssid string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, ssid)
}
