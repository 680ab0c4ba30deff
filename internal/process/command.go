package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// CommandFunc builds the subprocess command for a start request. The
// returned command must not have been started.
type CommandFunc func(key Key, config any) (*exec.Cmd, error)

// Commands builds tsn-sender and tsn-capture command lines.
type Commands struct {
	// Sender and Capture are the binary paths.
	Sender  string
	Capture string
}

// Command implements CommandFunc.
func (c Commands) Command(key Key, config any) (*exec.Cmd, error) {
	switch cfg := config.(type) {
	case model.SendRequest:
		if key.Role == spec.RoleSender {
			return exec.Command(c.Sender, SenderArgs(cfg)...), nil
		}
	case model.CaptureRequest:
		if key.Role == spec.RoleCapture {
			return exec.Command(c.Capture, CaptureArgs(cfg)...), nil
		}
	}
	return nil, fmt.Errorf("invalid configuration %T for %s", config, key)
}

// SenderArgs returns the tsn-sender flags for a request.
func SenderArgs(r model.SendRequest) []string {
	args := []string{
		"-iface", r.Iface,
		"-dst", r.Dst,
		"-src", r.Src,
		"-vlan", strconv.Itoa(r.VLAN),
		"-classes", model.FormatClasses(r.Classes),
		"-pps", strconv.Itoa(r.PPS),
		"-duration", strconv.Itoa(r.Duration),
	}
	if r.FrameSize > 0 {
		args = append(args, "-size", strconv.Itoa(r.FrameSize))
	}
	if r.Pacer != "" {
		args = append(args, "-pacer", r.Pacer)
	}
	return args
}

// CaptureArgs returns the tsn-capture flags for a request.
func CaptureArgs(r model.CaptureRequest) []string {
	args := []string{
		"-iface", r.Iface,
		"-vlan", strconv.Itoa(r.VLAN),
		"-duration", strconv.Itoa(r.Duration),
	}
	if r.Src != "" {
		args = append(args, "-src", r.Src)
	}
	if r.IntervalMs > 0 {
		args = append(args, "-interval", (time.Duration(r.IntervalMs) * time.Millisecond).String())
	}
	return args
}
