package protocol

import (
	"errors"
	"fmt"
)

type CommandKind int

// The fixed outbound vocabulary the device firmware understands.
const (
	CmdFetchLog CommandKind = iota
	CmdResetLog
	CmdResetTotal
	CmdResetAll
	CmdSetWifi
)

// Command is one outbound request. SSID and Password are only meaningful
// for CmdSetWifi.
type Command struct {
	Kind     CommandKind
	SSID     string
	Password string
}

func FetchLog() Command   { return Command{Kind: CmdFetchLog} }
func ResetLog() Command   { return Command{Kind: CmdResetLog} }
func ResetTotal() Command { return Command{Kind: CmdResetTotal} }
func ResetAll() Command   { return Command{Kind: CmdResetAll} }

func SetWifi(ssid, password string) Command {
	return Command{Kind: CmdSetWifi, SSID: ssid, Password: password}
}

// ErrEmptySSID rejects a SET_WIFI with no network name before any bytes
// reach the wire.
var ErrEmptySSID = errors.New("wifi ssid must not be empty")

// Encode serializes the command to its newline-terminated UTF-8 wire
// form.
//
// SET_WIFI performs no escaping: a comma or newline inside the SSID or
// password is ambiguous on the wire. The device firmware defines the
// format and expects it unescaped, so that limitation stays.
func (c Command) Encode() ([]byte, error) {
	switch c.Kind {
	case CmdFetchLog:
		return []byte("GET_LOG\n"), nil
	case CmdResetLog:
		return []byte("RESET_LOG\n"), nil
	case CmdResetTotal:
		return []byte("RESET_TOTAL\n"), nil
	case CmdResetAll:
		return []byte("RESET_ALL\n"), nil
	case CmdSetWifi:
		if c.SSID == "" {
			return nil, ErrEmptySSID
		}
		return fmt.Appendf(nil, "SET_WIFI:%s,%s\n", c.SSID, c.Password), nil
	default:
		return nil, fmt.Errorf("unknown command kind %d", c.Kind)
	}
}

// Name returns the stable identifier used by the HTTP command endpoint
// and in user-facing notices.
func (c Command) Name() string {
	switch c.Kind {
	case CmdFetchLog:
		return "fetch_log"
	case CmdResetLog:
		return "reset_log"
	case CmdResetTotal:
		return "reset_total"
	case CmdResetAll:
		return "reset_all"
	case CmdSetWifi:
		return "set_wifi"
	default:
		return "unknown"
	}
}

// CommandByName builds a Command from its Name form. ssid and password
// are ignored for everything but set_wifi.
func CommandByName(name, ssid, password string) (Command, error) {
	switch name {
	case "fetch_log":
		return FetchLog(), nil
	case "reset_log":
		return ResetLog(), nil
	case "reset_total":
		return ResetTotal(), nil
	case "reset_all":
		return ResetAll(), nil
	case "set_wifi":
		return SetWifi(ssid, password), nil
	default:
		return Command{}, fmt.Errorf("unknown command %q", name)
	}
}
