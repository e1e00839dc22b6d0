package qemu

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// qmpTimeout bounds the whole connect-handshake-command round trip.
const qmpTimeout = 5 * time.Second

// qmpClient is a synchronous QMP connection. Each control operation
// opens a fresh connection, negotiates capabilities, issues one
// command, reads one result, and closes — no connection state to keep.
type qmpClient struct {
	conn net.Conn
	rd   *bufio.Reader
}

type qmpMessage struct {
	QMP    json.RawMessage `json:"QMP,omitempty"`
	Return json.RawMessage `json:"return,omitempty"`
	Event  string          `json:"event,omitempty"`
	Error  *qmpError       `json:"error,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// qmpConnect dials the monitor socket, consumes the server greeting,
// and negotiates capabilities.
func qmpConnect(socketPath string) (*qmpClient, error) {
	conn, err := net.DialTimeout("unix", socketPath, qmpTimeout)
	if err != nil {
		return nil, &FailedError{Msg: fmt.Sprintf("connect monitor socket: %v", err)}
	}
	conn.SetDeadline(time.Now().Add(qmpTimeout))

	c := &qmpClient{conn: conn, rd: bufio.NewReader(conn)}

	greeting, err := c.readMessage()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if greeting.QMP == nil {
		conn.Close()
		return nil, &FailedError{Msg: "monitor did not send QMP greeting"}
	}

	if _, err := c.execute("qmp_capabilities", nil); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *qmpClient) close() {
	c.conn.Close()
}

// execute sends one command and waits for its result, skipping any
// asynchronous events interleaved on the wire.
func (c *qmpClient) execute(command string, arguments map[string]any) (json.RawMessage, error) {
	req := map[string]any{"execute": command}
	if arguments != nil {
		req["arguments"] = arguments
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, &FailedError{Msg: fmt.Sprintf("encode %s: %v", command, err)}
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, &FailedError{Msg: fmt.Sprintf("send %s: %v", command, err)}
	}

	for {
		msg, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		if msg.Event != "" {
			continue
		}
		if msg.Error != nil {
			return nil, &FailedError{Msg: fmt.Sprintf("%s: %s: %s", command, msg.Error.Class, msg.Error.Desc)}
		}
		if msg.Return != nil {
			return msg.Return, nil
		}
	}
}

func (c *qmpClient) readMessage() (*qmpMessage, error) {
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		return nil, &FailedError{Msg: fmt.Sprintf("read monitor response: %v", err)}
	}
	var msg qmpMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &FailedError{Msg: fmt.Sprintf("decode monitor response: %v", err)}
	}
	return &msg, nil
}

// monitorCommand runs one command against the monitor socket with a
// fresh connection.
func (d *Driver) monitorCommand(socketPath, command string) error {
	c, err := qmpConnect(socketPath)
	if err != nil {
		return err
	}
	defer c.close()
	_, err = c.execute(command, nil)
	return err
}

// Pause freezes vCPU execution. Memory and device state are retained;
// the guest is unaware of the pause.
func (d *Driver) Pause(socketPath string) error {
	return d.monitorCommand(socketPath, "stop")
}

// Resume unfreezes vCPU execution after a Pause.
func (d *Driver) Resume(socketPath string) error {
	return d.monitorCommand(socketPath, "cont")
}

// Suspend triggers an ACPI S3 sleep. Requires guest cooperation.
func (d *Driver) Suspend(socketPath string) error {
	return d.monitorCommand(socketPath, "system_suspend")
}

// Wake raises an ACPI wakeup event for a suspended guest.
func (d *Driver) Wake(socketPath string) error {
	return d.monitorCommand(socketPath, "system_wakeup")
}

// Reset hard-resets the VM without graceful shutdown.
func (d *Driver) Reset(socketPath string) error {
	return d.monitorCommand(socketPath, "system_reset")
}

// VMStatus is the monitor's view of guest execution.
type VMStatus struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// QueryStatus asks the monitor for the current run state.
func (d *Driver) QueryStatus(socketPath string) (*VMStatus, error) {
	c, err := qmpConnect(socketPath)
	if err != nil {
		return nil, err
	}
	defer c.close()

	ret, err := c.execute("query-status", nil)
	if err != nil {
		return nil, err
	}
	var status VMStatus
	if err := json.Unmarshal(ret, &status); err != nil {
		return nil, &FailedError{Msg: fmt.Sprintf("decode query-status: %v", err)}
	}
	return &status, nil
}
