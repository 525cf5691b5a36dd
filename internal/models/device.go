package models

// DeviceInfo represents the fleet broker's view of a device, as returned
// by the device-info endpoint. The iOS binding needs the agent host/port to
// reach the on-device WebDriverAgent.
type DeviceInfo struct {
	UDID       string `json:"udid"`
	Alias      string `json:"alias"`
	Model      string `json:"model"`
	OSVersion  string `json:"os_version"`
	DeviceHost string `json:"device_host"`
	DevicePort int    `json:"device_port"`
}

// Name returns the display name of the device, preferring the alias
func (d *DeviceInfo) Name() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Model
}
