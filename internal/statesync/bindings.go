package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrNotConnected = errors.New("eye tracker is not connected")

const maxNotifications = 20

type DeviceStatus string

const (
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceConnecting   DeviceStatus = "connecting"
	DeviceConnected    DeviceStatus = "connected"
	DeviceCalibrating  DeviceStatus = "calibrating"
	DeviceTracking     DeviceStatus = "tracking"
	DeviceError        DeviceStatus = "error"
)

type EyeTrackerState struct {
	Status             DeviceStatus `json:"status"`
	IsConnected        bool         `json:"isConnected"`
	IsCalibrated       bool         `json:"isCalibrated"`
	IsTracking         bool         `json:"isTracking"`
	Error              *string      `json:"error"`
	WSURL              string       `json:"wsUrl"`
	CalibrationQuality *float64     `json:"calibrationQuality"`
	LastUpdate         int64        `json:"lastUpdate"`
}

type RecordingState struct {
	IsRecording bool    `json:"isRecording"`
	IsPaused    bool    `json:"isPaused"`
	SessionID   *string `json:"sessionId"`
	StartTime   *int64  `json:"startTime"`
	Duration    float64 `json:"duration"`
	LastUpdate  int64   `json:"lastUpdate"`
}

type UserState struct {
	IsAuthenticated     bool    `json:"isAuthenticated"`
	UserID              *string `json:"userId"`
	Email               *string `json:"email"`
	SelectedProjectID   *string `json:"selectedProjectId"`
	SelectedProjectName *string `json:"selectedProjectName"`
	LastUpdate          int64   `json:"lastUpdate"`
}

type Notification struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"`
}

type UIState struct {
	Notifications  []Notification `json:"notifications"`
	ActiveScreen   string         `json:"activeScreen"`
	OverlayVisible bool           `json:"overlayVisible"`
	LastUpdate     int64          `json:"lastUpdate"`
}

type SystemState struct {
	IsInitialized      bool    `json:"isInitialized"`
	Error              *string `json:"error"`
	ContextInvalidated bool    `json:"contextInvalidated"`
	Degraded           bool    `json:"degraded"`
	ConnectedReplicas  int     `json:"connectedReplicas"`
	LastUpdate         int64   `json:"lastUpdate"`
}

// Decode converts a record into one of the typed state structs.
func Decode[T any](rec Record) (T, error) {
	var out T
	data, err := json.Marshal(rec)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}

func GetAs[T any](c Client, ns Namespace) (T, error) {
	rec, err := c.Get(ns)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](rec)
}

// SubscribeAs subscribes with a typed listener. Records that fail to decode
// are skipped.
func SubscribeAs[T any](c Client, ns Namespace, fn func(next, prev T)) (func(), error) {
	return c.Subscribe(ns, func(newRecord, oldRecord Record, _ Patch) {
		next, err := Decode[T](newRecord)
		if err != nil {
			return
		}
		prev, err := Decode[T](oldRecord)
		if err != nil {
			return
		}
		fn(next, prev)
	})
}

// SetDeviceStatus records a device status change. A device that stops being
// connected also ends any active recording.
func SetDeviceStatus(ctx context.Context, c Client, status DeviceStatus, deviceErr error) error {
	connected := status == DeviceConnected || status == DeviceCalibrating || status == DeviceTracking
	patch := Patch{
		"status":      string(status),
		"isConnected": connected,
		"isTracking":  status == DeviceTracking,
		"error":       nil,
	}
	if deviceErr != nil {
		patch["error"] = deviceErr.Error()
	}
	if !connected {
		patch["isCalibrated"] = false
	}
	if err := c.Update(ctx, NamespaceEyeTracker, patch); err != nil {
		return err
	}
	if connected {
		return nil
	}
	rec, err := GetAs[RecordingState](c, NamespaceRecording)
	if err != nil {
		return err
	}
	if rec.IsRecording {
		return StopRecording(ctx, c)
	}
	return nil
}

func MarkCalibrated(ctx context.Context, c Client, quality float64) error {
	return c.Update(ctx, NamespaceEyeTracker, Patch{
		"isCalibrated":       true,
		"calibrationQuality": quality,
	})
}

// StartRecording begins a session. Recording requires a connected device.
func StartRecording(ctx context.Context, c Client, sessionID string, now time.Time) error {
	device, err := GetAs[EyeTrackerState](c, NamespaceEyeTracker)
	if err != nil {
		return err
	}
	if !device.IsConnected {
		return ErrNotConnected
	}
	return c.Update(ctx, NamespaceRecording, Patch{
		"isRecording": true,
		"isPaused":    false,
		"sessionId":   sessionID,
		"startTime":   now.UnixMilli(),
		"duration":    0,
	})
}

func StopRecording(ctx context.Context, c Client) error {
	return c.Update(ctx, NamespaceRecording, Patch{
		"isRecording": false,
		"isPaused":    false,
		"sessionId":   nil,
		"startTime":   nil,
		"duration":    0,
	})
}

func SignIn(ctx context.Context, c Client, userID, email string) error {
	return c.Update(ctx, NamespaceUser, Patch{
		"isAuthenticated": true,
		"userId":          userID,
		"email":           email,
	})
}

func SignOut(ctx context.Context, c Client) error {
	return c.Update(ctx, NamespaceUser, patchFromRecord(DefaultRecord(NamespaceUser)))
}

func SelectProject(ctx context.Context, c Client, projectID, projectName string) error {
	return c.Update(ctx, NamespaceUser, Patch{
		"selectedProjectId":   projectID,
		"selectedProjectName": projectName,
	})
}

// PushNotification appends a notification, keeping the newest entries.
func PushNotification(ctx context.Context, c Client, level, message string, now time.Time) (string, error) {
	ui, err := GetAs[UIState](c, NamespaceUI)
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(now.UnixNano(), 36)
	list := append(ui.Notifications, Notification{
		ID:        id,
		Level:     level,
		Message:   message,
		CreatedAt: now.UnixMilli(),
	})
	if over := len(list) - maxNotifications; over > 0 {
		list = list[over:]
	}
	return id, c.Update(ctx, NamespaceUI, Patch{"notifications": list})
}

func DismissNotification(ctx context.Context, c Client, id string) error {
	ui, err := GetAs[UIState](c, NamespaceUI)
	if err != nil {
		return err
	}
	kept := make([]Notification, 0, len(ui.Notifications))
	for _, n := range ui.Notifications {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	if len(kept) == len(ui.Notifications) {
		return nil
	}
	return c.Update(ctx, NamespaceUI, Patch{"notifications": kept})
}

// ReportError surfaces err on the system namespace; nil clears it.
func ReportError(ctx context.Context, c Client, err error) error {
	var value any
	if err != nil {
		value = err.Error()
	}
	return c.Update(ctx, NamespaceSystem, Patch{"error": value})
}
