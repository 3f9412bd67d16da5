// Package power probes whether the host is currently running on battery
// power, used by the scheduler to defer maintenance actions that shouldn't
// run unattended on battery (scrub, balance).
package power

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	upowerDest       = "org.freedesktop.UPower"
	upowerBatteryObj = "/org/freedesktop/UPower/devices/battery_BAT0"
	upowerIface      = "org.freedesktop.UPower.Device"
	upowerStateProp  = "State"

	// upowerStateDischarging is UPower's enum value for "discharging".
	// See the UPower D-Bus API docs for the full Device.State enum.
	upowerStateDischarging = uint32(2)

	dbusCallTimeout = 2 * time.Second
)

// sysfsBatteryStatusPath is a variable (not a constant) so tests can point
// it at a fixture file instead of the real /sys tree.
var sysfsBatteryStatusPath = "/sys/class/power_supply/BAT0/status"

// OnBattery reports whether the host is currently running on battery.
// It first tries a system-bus DBus call to UPower; on any failure (no
// DBus, no UPower, no battery device) it falls back to reading the sysfs
// battery status file. A missing battery is not an error: it simply means
// the host is never on battery, so OnBattery returns false.
func OnBattery() bool {
	if discharging, ok := onBatteryViaDBus(); ok {
		return discharging
	}
	return onBatteryViaSysfs()
}

func onBatteryViaDBus() (discharging bool, ok bool) {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to connect to system DBus for power probe")
		return false, false
	}
	defer conn.Close()

	if err := conn.Auth(nil); err != nil {
		log.Debug().Err(err).Msg("Failed to authenticate on system DBus")
		return false, false
	}
	if err := conn.Hello(); err != nil {
		log.Debug().Err(err).Msg("Failed DBus Hello handshake")
		return false, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()

	obj := conn.Object(upowerDest, dbus.ObjectPath(upowerBatteryObj))
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, upowerIface, upowerStateProp)
	if call.Err != nil {
		log.Debug().Err(call.Err).Msg("UPower State property query failed")
		return false, false
	}

	variant, ok := call.Body[0].(dbus.Variant)
	if !ok {
		return false, false
	}
	state, ok := variant.Value().(uint32)
	if !ok {
		return false, false
	}

	return state == upowerStateDischarging, true
}

func onBatteryViaSysfs() bool {
	data, err := os.ReadFile(sysfsBatteryStatusPath)
	if err != nil {
		// No battery present (desktop/server) — not on battery.
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "Discharging")
}
