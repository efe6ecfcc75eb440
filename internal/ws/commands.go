package ws

import (
	"context"
	"fmt"

	"camproxy/internal/driver"
)

// serialPayload is the common payload of entity-scoped commands.
type serialPayload struct {
	SerialNumber string `json:"serialNumber"`
}

// CommandDeps are the collaborators the command set is wired against.
type CommandDeps struct {
	Driver driver.Client
	// ClientVersion reports the driver library version for
	// start_listening responses.
	ClientVersion func() string
}

// RegisterCommands installs the full command set on the broker.
func RegisterCommands(b *Broker, deps CommandDeps) {
	drv := deps.Driver

	b.Register("start_listening", func(ctx context.Context, req Request) (any, error) {
		if !drv.Connected() {
			return nil, &CommandError{Code: "driver_not_connected"}
		}
		clientVersion := ""
		if deps.ClientVersion != nil {
			clientVersion = deps.ClientVersion()
		}
		return map[string]any{
			"client":   map[string]any{"version": clientVersion},
			"stations": drv.StationSerials(),
			"devices":  drv.DeviceSerials(),
		}, nil
	})

	b.Register("station.get_properties", func(ctx context.Context, req Request) (any, error) {
		serial, err := bindSerial(req)
		if err != nil {
			return nil, err
		}
		props, err := drv.StationProperties(serial)
		if err != nil {
			return nil, fmt.Errorf("fetching station properties: %w", err)
		}
		return map[string]any{"serialNumber": serial, "properties": props}, nil
	})

	b.Register("device.get_properties", func(ctx context.Context, req Request) (any, error) {
		serial, err := bindSerial(req)
		if err != nil {
			return nil, err
		}
		props, err := drv.DeviceProperties(serial)
		if err != nil {
			return nil, fmt.Errorf("fetching device properties: %w", err)
		}
		return map[string]any{"serialNumber": serial, "properties": props}, nil
	})

	b.Register("device.get_commands", func(ctx context.Context, req Request) (any, error) {
		serial, err := bindSerial(req)
		if err != nil {
			return nil, err
		}
		commands, err := drv.DeviceCommands(serial)
		if err != nil {
			return nil, fmt.Errorf("fetching device commands: %w", err)
		}
		return map[string]any{"serialNumber": serial, "commands": commands}, nil
	})

	b.Register("station.download_image", func(ctx context.Context, req Request) (any, error) {
		var payload struct {
			serialPayload
			File string `json:"file"`
		}
		if err := req.Bind(&payload); err != nil {
			return nil, &CommandError{Code: "invalid_payload"}
		}
		if payload.SerialNumber == "" {
			return nil, &CommandError{Code: "missing_serial_number"}
		}
		if err := drv.DownloadImage(ctx, payload.SerialNumber, payload.File); err != nil {
			return nil, fmt.Errorf("requesting image download: %w", err)
		}
		// The image payload arrives later as a driver event.
		return Ack{Async: true}, nil
	})

	b.Register("station.database_query_latest_info", func(ctx context.Context, req Request) (any, error) {
		serial, err := bindSerial(req)
		if err != nil {
			return nil, err
		}
		if err := drv.DatabaseQueryLatestInfo(ctx, serial); err != nil {
			return nil, fmt.Errorf("requesting database info: %w", err)
		}
		return Ack{Async: true}, nil
	})

	b.Register("device.preset_position", func(ctx context.Context, req Request) (any, error) {
		var payload struct {
			serialPayload
			Position int `json:"position"`
		}
		if err := req.Bind(&payload); err != nil {
			return nil, &CommandError{Code: "invalid_payload"}
		}
		if payload.SerialNumber == "" {
			return nil, &CommandError{Code: "missing_serial_number"}
		}
		if err := drv.PresetPosition(ctx, payload.SerialNumber, payload.Position); err != nil {
			return nil, fmt.Errorf("moving to preset: %w", err)
		}
		return map[string]any{}, nil
	})

	b.Register("device.pan_and_tilt", func(ctx context.Context, req Request) (any, error) {
		var payload struct {
			serialPayload
			Direction int `json:"direction"`
		}
		if err := req.Bind(&payload); err != nil {
			return nil, &CommandError{Code: "invalid_payload"}
		}
		if payload.SerialNumber == "" {
			return nil, &CommandError{Code: "missing_serial_number"}
		}
		if err := drv.PanAndTilt(ctx, payload.SerialNumber, payload.Direction); err != nil {
			return nil, fmt.Errorf("panning device: %w", err)
		}
		return map[string]any{}, nil
	})
}

func bindSerial(req Request) (string, error) {
	var payload serialPayload
	if err := req.Bind(&payload); err != nil {
		return "", &CommandError{Code: "invalid_payload"}
	}
	if payload.SerialNumber == "" {
		return "", &CommandError{Code: "missing_serial_number"}
	}
	return payload.SerialNumber, nil
}
