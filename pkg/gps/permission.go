package gps

import (
	"context"
	"os/exec"
)

// ExecPermission grants location access when the GNSS access command can be
// found on PATH.
type ExecPermission struct {
	Command string
}

// HasLocationPermission implements PermissionOracle
func (p ExecPermission) HasLocationPermission(ctx context.Context) bool {
	if p.Command == "" {
		return false
	}
	_, err := exec.LookPath(p.Command)
	return err == nil
}

// StaticPermission is a fixed answer for hosts that decide access elsewhere
type StaticPermission bool

// HasLocationPermission implements PermissionOracle
func (p StaticPermission) HasLocationPermission(ctx context.Context) bool {
	return bool(p)
}

// StaticGPSStatus is a fixed GPS enabled answer
type StaticGPSStatus bool

// GPSEnabled implements GPSStatusOracle
func (s StaticGPSStatus) GPSEnabled(ctx context.Context) bool {
	return bool(s)
}
