// Package operator implements the Operator Control pre-registration
// client of spec.md §4.11: a SEQPACKET client exchanging exactly one
// JSON request and one JSON response over a long-held connection.
package operator

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

var opLog = logrus.WithField("source", "operator")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	opLog = logger.WithField("subsystem", "operator")
}

// DefaultSocketPath is the well-known Operator Control socket.
const DefaultSocketPath = "/run/cuttlefish/operator_control"

// Device is one instance being pre-registered.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	AdbPort int    `json:"adb_port"`
}

// request is the wire shape of the pre-register message.
type request struct {
	MessageType string   `json:"message_type"`
	GroupName   string   `json:"group_name"`
	Owner       string   `json:"owner"`
	Devices     []Device `json:"devices"`
}

// registrationResult is one entry of the pre-register response array.
type registrationResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Connection is a pre-registration session kept open for the lifetime of
// the caller's start handler; closing it early discards the
// pre-registration, per spec.md §4.11.
type Connection struct {
	conn net.Conn
}

// PreRegister dials the Operator Control socket, sends one pre-register
// request, and reads back the registration results. The returned
// Connection must be kept open (and eventually Closed) until every
// instance has booted and registered itself independently; callers
// should treat a PreRegister failure as non-fatal, per spec.md §4.11
// ("Failure is non-fatal to the surrounding start handler").
func PreRegister(socketPath, groupName, owner string, devices []Device) (*Connection, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	conn, err := net.Dial("unixpacket", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing operator control %s: %v", cvderrors.ErrIO, socketPath, err)
	}

	req := request{MessageType: "pre-register", GroupName: groupName, Owner: owner, Devices: devices}
	payload, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: marshaling pre-register request: %v", cvderrors.ErrIO, err)
	}
	if _, err := conn.Write(payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: writing pre-register request: %v", cvderrors.ErrIO, err)
	}

	buf := make([]byte, 64*1024)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading pre-register response: %v", cvderrors.ErrIO, err)
	}

	var results []registrationResult
	if err := json.Unmarshal(buf[:n], &results); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: parsing pre-register response: %v", cvderrors.ErrIO, err)
	}

	var rejections *multierror.Error
	for _, r := range results {
		if r.Status != "accepted" {
			rejections = multierror.Append(rejections, fmt.Errorf("%s: %s (%s)", r.ID, r.Status, r.Message))
		}
	}
	if err := rejections.ErrorOrNil(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: operator control rejected devices: %v", cvderrors.ErrSubprocessFailed, err)
	}

	opLog.Debugf("pre-registered %d devices for group %q", len(devices), groupName)
	return &Connection{conn: conn}, nil
}

// Close discards the pre-registration, releasing the held connection.
func (c *Connection) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
