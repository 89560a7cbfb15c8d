package upsmon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"mitra/internal/models"
)

// NUTClient reads UPS telemetry from a Network UPS Tools daemon over its
// plain-text TCP protocol (LIST VAR). One connection per read keeps the
// client stateless across upsd restarts.
type NUTClient struct {
	Address string
	UPSName string
	Timeout time.Duration
}

// NewNUTClient builds a client for the upsd at address serving the named UPS.
func NewNUTClient(address, upsName string, timeout time.Duration) *NUTClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NUTClient{Address: address, UPSName: upsName, Timeout: timeout}
}

// Read fetches every variable for the UPS and condenses it into a snapshot.
func (c *NUTClient) Read(ctx context.Context) (*models.UPSSnapshot, error) {
	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return nil, fmt.Errorf("dial upsd %s: %w", c.Address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	vars, err := c.listVars(conn)
	if err != nil {
		return nil, err
	}
	return snapshotFromVars(vars), nil
}

func (c *NUTClient) listVars(conn net.Conn) (map[string]string, error) {
	if _, err := fmt.Fprintf(conn, "LIST VAR %s\n", c.UPSName); err != nil {
		return nil, fmt.Errorf("request vars: %w", err)
	}

	vars := make(map[string]string)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "BEGIN LIST VAR"):
			continue
		case strings.HasPrefix(line, "END LIST VAR"):
			return vars, nil
		case strings.HasPrefix(line, "ERR "):
			return nil, fmt.Errorf("upsd error: %s", strings.TrimPrefix(line, "ERR "))
		case strings.HasPrefix(line, "VAR "):
			// VAR <ups> <name> "<value>"
			rest := strings.TrimPrefix(line, "VAR ")
			parts := strings.SplitN(rest, " ", 3)
			if len(parts) != 3 {
				continue
			}
			vars[parts[1]] = strings.Trim(parts[2], `"`)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vars: %w", err)
	}
	return nil, fmt.Errorf("upsd closed the connection mid-listing")
}

// snapshotFromVars maps standard NUT variable names onto a snapshot.
// ups.status is a space-separated flag list; OB means on battery.
func snapshotFromVars(vars map[string]string) *models.UPSSnapshot {
	snap := &models.UPSSnapshot{}

	for _, flag := range strings.Fields(vars["ups.status"]) {
		if flag == "OB" || flag == "LB" {
			snap.OnBattery = true
		}
	}

	snap.ChargePercent = floatVar(vars, "battery.charge")
	snap.TimeToEmptySeconds = floatVar(vars, "battery.runtime")
	snap.InputVoltage = floatVar(vars, "input.voltage")
	snap.LoadPercent = floatVar(vars, "ups.load")

	return snap
}

func floatVar(vars map[string]string, name string) *float64 {
	raw, ok := vars[name]
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil
	}
	return &v
}
