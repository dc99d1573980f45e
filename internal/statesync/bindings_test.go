package statesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStartRecordingRequiresConnectedDevice(t *testing.T) {
	master := newTestMaster(t, NewHub(), NewMemoryStorage())
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	if err := StartRecording(ctx, master, "s-1", now); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := SetDeviceStatus(ctx, master, DeviceConnected, nil); err != nil {
		t.Fatalf("set device status failed: %v", err)
	}
	if err := StartRecording(ctx, master, "s-1", now); err != nil {
		t.Fatalf("start recording failed: %v", err)
	}
	rec, err := GetAs[RecordingState](master, NamespaceRecording)
	if err != nil {
		t.Fatalf("decode recording failed: %v", err)
	}
	if !rec.IsRecording || rec.SessionID == nil || *rec.SessionID != "s-1" {
		t.Fatalf("unexpected recording state %+v", rec)
	}
	if rec.StartTime == nil || *rec.StartTime != now.UnixMilli() {
		t.Fatalf("expected start time %d, got %v", now.UnixMilli(), rec.StartTime)
	}
}

func TestDeviceDisconnectStopsRecording(t *testing.T) {
	master := newTestMaster(t, NewHub(), NewMemoryStorage())
	ctx := context.Background()
	_ = SetDeviceStatus(ctx, master, DeviceTracking, nil)
	_ = MarkCalibrated(ctx, master, 0.92)
	_ = StartRecording(ctx, master, "s-2", time.Now())

	if err := SetDeviceStatus(ctx, master, DeviceError, errors.New("usb unplugged")); err != nil {
		t.Fatalf("set device status failed: %v", err)
	}
	device, _ := GetAs[EyeTrackerState](master, NamespaceEyeTracker)
	if device.IsConnected || device.IsCalibrated || device.Error == nil || *device.Error != "usb unplugged" {
		t.Fatalf("unexpected device state %+v", device)
	}
	rec, _ := GetAs[RecordingState](master, NamespaceRecording)
	if rec.IsRecording || rec.SessionID != nil {
		t.Fatalf("expected recording to stop, got %+v", rec)
	}
}

func TestNotificationsAreCappedAndDismissable(t *testing.T) {
	master := newTestMaster(t, NewHub(), NewMemoryStorage())
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	var first, last string
	for i := 0; i < maxNotifications+5; i++ {
		id, err := PushNotification(ctx, master, "info", fmt.Sprintf("n%d", i), base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
		if i == 0 {
			first = id
		}
		last = id
	}
	ui, _ := GetAs[UIState](master, NamespaceUI)
	if len(ui.Notifications) != maxNotifications {
		t.Fatalf("expected %d notifications, got %d", maxNotifications, len(ui.Notifications))
	}
	if ui.Notifications[0].Message != "n5" {
		t.Fatalf("expected oldest entries to be dropped, got %q first", ui.Notifications[0].Message)
	}

	if err := DismissNotification(ctx, master, first); err != nil {
		t.Fatalf("dismiss of dropped id failed: %v", err)
	}
	if err := DismissNotification(ctx, master, last); err != nil {
		t.Fatalf("dismiss failed: %v", err)
	}
	ui, _ = GetAs[UIState](master, NamespaceUI)
	if len(ui.Notifications) != maxNotifications-1 {
		t.Fatalf("expected one notification removed, got %d", len(ui.Notifications))
	}
}

func TestUserBindingsOnReplica(t *testing.T) {
	hub := NewHub()
	master := newTestMaster(t, hub, NewMemoryStorage())
	popup := newTestReplica(t, hub, "popup", KindPopup, NewMemoryStorage(), nil)
	ctx := context.Background()

	if err := SignIn(ctx, popup, "u-1", "ada@example.com"); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	if err := SelectProject(ctx, popup, "p-9", "Gaze Study"); err != nil {
		t.Fatalf("select project failed: %v", err)
	}
	user, err := GetAs[UserState](master, NamespaceUser)
	if err != nil {
		t.Fatalf("decode user failed: %v", err)
	}
	if !user.IsAuthenticated || user.SelectedProjectName == nil || *user.SelectedProjectName != "Gaze Study" {
		t.Fatalf("unexpected master user state %+v", user)
	}
	if err := SignOut(ctx, popup); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	user, _ = GetAs[UserState](popup, NamespaceUser)
	if user.IsAuthenticated || user.Email != nil {
		t.Fatalf("expected signed out replica mirror, got %+v", user)
	}
}

func TestSubscribeAsDecodesRecords(t *testing.T) {
	master := newTestMaster(t, NewHub(), NewMemoryStorage())
	seen := make(chan SystemState, 4)
	if _, err := SubscribeAs(master, NamespaceSystem, func(next, _ SystemState) {
		seen <- next
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	<-seen
	if err := ReportError(context.Background(), master, errors.New("tracker offline")); err != nil {
		t.Fatalf("report error failed: %v", err)
	}
	select {
	case state := <-seen:
		if state.Error == nil || *state.Error != "tracker offline" || !state.IsInitialized {
			t.Fatalf("unexpected system state %+v", state)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for typed notification")
	}
}
