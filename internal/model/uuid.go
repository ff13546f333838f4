package model

import "strings"

// Well-known 128-bit GATT UUIDs for the Inkbird IDT-34c-B (spec §3, §6).
const (
	ServiceUUID          = "0000ff00-0000-1000-8000-00805f9b34fb"
	TemperatureCharUUID  = "0000ff01-0000-1000-8000-00805f9b34fb"
	CommandCharUUID      = "0000ff02-0000-1000-8000-00805f9b34fb"
	BatteryCharUUID      = "00002a19-0000-1000-8000-00805f9b34fb"
	ignoredAuxiliaryUUID = "0000ff05-0000-1000-8000-00805f9b34fb"
)

// auxiliaryPrefix matches any 0000ffXX characteristic not already claimed
// by one of the named roles above.
const auxiliaryPrefix = "0000ff"

// TargetNames is the set of BLE "Name" property values the Coordinator
// treats as an Inkbird thermometer worth supervising (spec §3).
var TargetNames = map[string]bool{
	"IDT-34c-B": true,
	"INKBIRD":   true,
}

// NormalizeUUID lowercases a UUID for comparison, tolerating either dashed
// or undashed input.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// ClassifyCharacteristic maps a characteristic UUID to its role. The
// second return value is false for the ignored 0000ff05 characteristic
// and for anything outside the temperature service's UUID space.
func ClassifyCharacteristic(uuid string) (CharRole, bool) {
	n := NormalizeUUID(uuid)
	switch n {
	case NormalizeUUID(TemperatureCharUUID):
		return RoleTemperature, true
	case NormalizeUUID(CommandCharUUID):
		return RoleCommand, true
	case NormalizeUUID(BatteryCharUUID):
		return RoleBattery, true
	case NormalizeUUID(ignoredAuxiliaryUUID):
		return RoleAuxiliary, false
	}
	if strings.HasPrefix(n, auxiliaryPrefix) {
		return RoleAuxiliary, true
	}
	return RoleAuxiliary, false
}
