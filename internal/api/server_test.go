package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carnitrack/edge/internal/domain"
)

type fakeRegistry struct {
	devices []domain.Device
}

func (f *fakeRegistry) List() []domain.Device { return f.devices }

func (f *fakeRegistry) Get(deviceID string) (domain.Device, bool) {
	for _, d := range f.devices {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return domain.Device{}, false
}

type fakeCloud struct{ online bool }

func (f *fakeCloud) IsOnline() bool { return f.online }

type fakeEvents struct{ pending []domain.WeighingEvent }

func (f *fakeEvents) PendingEvents(limit int) ([]domain.WeighingEvent, error) { return f.pending, nil }

type fakeBatches struct{ open int }

func (f *fakeBatches) OpenCount() int { return f.open }

func TestHealth_ReturnsOK(t *testing.T) {
	srv := NewServer(&fakeRegistry{}, &fakeCloud{}, &fakeEvents{}, &fakeBatches{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatus_ReportsCloudAndCounts(t *testing.T) {
	reg := &fakeRegistry{devices: []domain.Device{
		{DeviceID: "SCALE-01", TCPConnected: true},
		{DeviceID: "SCALE-02", TCPConnected: false},
	}}
	events := &fakeEvents{pending: []domain.WeighingEvent{{ID: "e1"}, {ID: "e2"}}}
	batches := &fakeBatches{open: 1}
	srv := NewServer(reg, &fakeCloud{online: true}, events, batches)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["online"] != true {
		t.Errorf("online = %v, want true", body["online"])
	}
	if body["devices"].(float64) != 2 {
		t.Errorf("devices = %v, want 2", body["devices"])
	}
	if body["pendingEvents"].(float64) != 2 {
		t.Errorf("pendingEvents = %v, want 2", body["pendingEvents"])
	}
	if body["openBatches"].(float64) != 1 {
		t.Errorf("openBatches = %v, want 1", body["openBatches"])
	}
}

func TestListDevices_ReturnsDeviceViews(t *testing.T) {
	reg := &fakeRegistry{devices: []domain.Device{
		{DeviceID: "SCALE-01", Status: domain.StatusOnline, TCPConnected: true, EventCount: 5},
	}}
	srv := NewServer(reg, &fakeCloud{}, &fakeEvents{}, &fakeBatches{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var views []deviceView
	json.NewDecoder(resp.Body).Decode(&views)
	if len(views) != 1 || views[0].DeviceID != "SCALE-01" || views[0].EventCount != 5 {
		t.Fatalf("unexpected views: %+v", views)
	}
}

func TestGetDevice_NotFoundReturns404(t *testing.T) {
	srv := NewServer(&fakeRegistry{}, &fakeCloud{}, &fakeEvents{}, &fakeBatches{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices/SCALE-99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
