package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/maxcul-core/internal/audit"
	"github.com/nerrad567/maxcul-core/internal/device"
	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// handleListDevices returns all registered devices, optionally
// filtered by room.
//
// Query parameters:
//   - room: filter by MAX! room id (0-255)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devices []device.Device
	if roomStr := r.URL.Query().Get("room"); roomStr != "" {
		room, err := strconv.ParseUint(roomStr, 10, 8)
		if err != nil {
			writeBadRequest(w, "room must be 0-255")
			return
		}
		devices = s.registry.ListByRoom(uint8(room))
	} else {
		devices = s.registry.List()
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// addDeviceRequest is the body for POST /api/devices.
type addDeviceRequest struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// handleAddDevice registers a device address by hand, for devices
// whose pair ping cannot be repeated on demand. Type and serial fill
// in when the device next transmits.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	addr, err := moritz.ParseAddr(req.Address)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	ctx := r.Context()
	dev, err := s.registry.AddDevice(ctx, addr, req.Name)
	if err != nil {
		if errors.Is(err, device.ErrDeviceExists) {
			writeError(w, http.StatusConflict, ErrCodeConflict, "device already registered")
			return
		}
		writeCommandError(w, err)
		return
	}

	s.record(ctx, audit.ActionDeviceAdded, addr.String(), map[string]any{"name": req.Name})
	writeJSON(w, http.StatusCreated, dev)
}

// handleGetDevice returns one device snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	dev, err := s.registry.Snapshot(addr)
	if err != nil {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// updateDeviceRequest is the body for PUT /api/devices/{addr}.
// Absent fields are left unchanged.
type updateDeviceRequest struct {
	Name   *string `json:"name,omitempty"`
	RoomID *uint8  `json:"room_id,omitempty"`
}

// handleUpdateDevice renames a device or assigns it to a room.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == nil && req.RoomID == nil {
		writeBadRequest(w, "nothing to update: provide name or room_id")
		return
	}

	ctx := r.Context()
	dev, err := s.registry.UpdateInfo(ctx, addr, device.InfoUpdate{Name: req.Name, RoomID: req.RoomID})
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, device.ErrInvalidName):
			writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		default:
			writeInternalError(w, "failed to update device")
		}
		return
	}

	details := map[string]any{}
	if req.Name != nil {
		details["name"] = *req.Name
	}
	if req.RoomID != nil {
		details["room_id"] = *req.RoomID
	}
	s.record(ctx, audit.ActionDeviceUpdated, addr.String(), details)

	writeJSON(w, http.StatusOK, dev)
}

// setTemperatureRequest is the body for PUT /api/devices/{addr}/temperature
// and PUT /api/rooms/{room}/temperature.
type setTemperatureRequest struct {
	Temperature float64 `json:"temperature"`
	Mode        string  `json:"mode,omitempty"`
}

// handleSetTemperature transmits a setpoint to one thermostat and
// blocks until the radio acks or the command fails.
func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	req, ok := decodeSetTemperature(w, r)
	if !ok {
		return
	}

	mode, err := parseMode(req.Mode)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	ctx := r.Context()
	err = s.driver.SetTemperature(ctx, addr, req.Temperature, mode)
	s.record(ctx, audit.ActionSetTemperature, addr.String(), map[string]any{
		"temperature": req.Temperature,
		"mode":        mode.String(),
		"ok":          err == nil,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"address":     addr.String(),
		"temperature": req.Temperature,
		"mode":        mode.String(),
	})
}

// handleSetRoomTemperature broadcasts a setpoint to every thermostat
// in a MAX! room group.
func (s *Server) handleSetRoomTemperature(w http.ResponseWriter, r *http.Request) {
	roomStr := chi.URLParam(r, "room")
	room, err := strconv.ParseUint(roomStr, 10, 8)
	if err != nil || room == 0 {
		writeBadRequest(w, "room must be 1-255")
		return
	}

	req, ok := decodeSetTemperature(w, r)
	if !ok {
		return
	}

	mode, err := parseMode(req.Mode)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	ctx := r.Context()
	err = s.driver.SetRoomTemperature(ctx, uint8(room), req.Temperature, mode)
	s.record(ctx, audit.ActionSetRoomTemperature, "", map[string]any{
		"room":        room,
		"temperature": req.Temperature,
		"mode":        mode.String(),
		"ok":          err == nil,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room":        room,
		"temperature": req.Temperature,
		"mode":        mode.String(),
	})
}

// handleWakeup asks a device to stay awake for further traffic.
// Returns 202: the wakeup is transmitted but the device's waking is
// only observable through its next report.
func (s *Server) handleWakeup(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	err := s.driver.Wakeup(ctx, addr)
	s.record(ctx, audit.ActionWakeup, addr.String(), map[string]any{"ok": err == nil})
	if err != nil {
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"address": addr.String(),
		"status":  "wakeup sent",
	})
}

// pathAddr parses the {addr} route parameter, writing a 422 on bad
// input.
func (s *Server) pathAddr(w http.ResponseWriter, r *http.Request) (moritz.Addr, bool) {
	addr, err := moritz.ParseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "invalid device address")
		return 0, false
	}
	return addr, true
}

// decodeSetTemperature reads a setpoint body, writing a 400 on bad
// JSON.
func decodeSetTemperature(w http.ResponseWriter, r *http.Request) (setTemperatureRequest, bool) {
	var req setTemperatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return req, false
	}
	return req, true
}

// parseMode maps the optional mode field, defaulting to manual.
func parseMode(s string) (moritz.Mode, error) {
	if s == "" {
		return moritz.ModeManual, nil
	}
	return moritz.ParseMode(s)
}
