package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Channel names one of the four logical kernel sockets.
type Channel string

const (
	Shell   Channel = "shell"
	Control Channel = "control"
	Stdin   Channel = "stdin"
	IOPub   Channel = "iopub"
)

// Channels lists every channel in dial order.
var Channels = []Channel{Shell, Control, Stdin, IOPub}

func (c Channel) String() string { return string(c) }

// Valid reports whether c is one of the four known channels.
func (c Channel) Valid() bool {
	switch c {
	case Shell, Control, Stdin, IOPub:
		return true
	}
	return false
}

// ConnectionInfo is the content of a kernel connection file. It is produced
// once when a kernel process is launched and never mutated afterwards.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// Validate checks the transport and that every port is set.
func (c *ConnectionInfo) Validate() error {
	if c.Transport != "tcp" && c.Transport != "ipc" {
		return fmt.Errorf("connection info: unsupported transport %q", c.Transport)
	}
	if c.IP == "" {
		return fmt.Errorf("connection info: missing ip")
	}
	ports := map[string]int{
		"shell_port":   c.ShellPort,
		"iopub_port":   c.IOPubPort,
		"stdin_port":   c.StdinPort,
		"control_port": c.ControlPort,
		"hb_port":      c.HBPort,
	}
	for name, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("connection info: invalid %s %d", name, p)
		}
	}
	return nil
}

// Port returns the port bound to a channel.
func (c *ConnectionInfo) Port(ch Channel) int {
	switch ch {
	case Shell:
		return c.ShellPort
	case Control:
		return c.ControlPort
	case Stdin:
		return c.StdinPort
	case IOPub:
		return c.IOPubPort
	}
	return 0
}

// Endpoint returns the socket URI for a channel, e.g. tcp://127.0.0.1:5555
// or ipc://kernel-ipc-5555.
func (c *ConnectionInfo) Endpoint(ch Channel) string {
	return c.endpoint(c.Port(ch))
}

// HeartbeatEndpoint returns the socket URI of the heartbeat port.
func (c *ConnectionInfo) HeartbeatEndpoint() string {
	return c.endpoint(c.HBPort)
}

func (c *ConnectionInfo) endpoint(port int) string {
	delim := ":"
	if c.Transport != "tcp" {
		delim = "-"
	}
	return c.Transport + "://" + c.IP + delim + strconv.Itoa(port)
}

// ReadConnectionFile parses a kernel connection file.
func ReadConnectionFile(path string) (*ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading connection file: %w", err)
	}
	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing connection file %s: %w", path, err)
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &info, nil
}

// WriteConnectionFile writes the connection info readable only by the
// current user, since it carries the signing key.
func (c *ConnectionInfo) WriteConnectionFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing connection file %s: %w", path, err)
	}
	return nil
}
