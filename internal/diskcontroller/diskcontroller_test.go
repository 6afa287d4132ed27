package diskcontroller

import (
	"testing"

	"github.com/jpl-au/bob/internal/group"
	"github.com/jpl-au/bob/internal/holder"
)

func newTestController(t *testing.T, disconnects *int) *Controller {
	t.Helper()
	dir := t.TempDir()
	return New(Options{
		DiskName:          "disk0",
		BaseDir:           dir,
		DumpConcurrency:   2,
		AccessConcurrency: 4,
		GroupOptions: group.Options{
			TimestampPeriod: 100,
			StartTimestamp:  group.StartTimestampConfig{Round: true},
			HolderOptions:   holder.Options{KeySize: 3, MaxBlobSize: 1 << 20, MaxDataInBlob: 1000, ExpectedRecords: 16},
			FailRetryCount:  2,
		},
	}, func(string) {
		if disconnects != nil {
			*disconnects++
		}
	})
}

func TestRunTransitionsToReadyAndRoutesOperations(t *testing.T) {
	c := newTestController(t, nil)
	if c.IsReady() {
		t.Fatal("controller reports ready before Run")
	}

	if err := c.Run([]uint32{0, 1}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !c.IsReady() {
		t.Fatal("controller not ready after Run")
	}

	if !c.CanProcessOperation(Operation{DiskName: "disk0", VDiskID: 0}) {
		t.Error("CanProcessOperation should accept a known (disk, vdisk)")
	}
	if c.CanProcessOperation(Operation{DiskName: "disk0", VDiskID: 99}) {
		t.Error("CanProcessOperation should reject an unknown vdisk")
	}
	if c.CanProcessOperation(Operation{DiskName: "other-disk", VDiskID: 0}) {
		t.Error("CanProcessOperation should reject a foreign disk name")
	}
}

func TestStopClosesAndReportDisconnectEscalates(t *testing.T) {
	var disconnects int
	c := newTestController(t, &disconnects)
	if err := c.Run([]uint32{0}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	c.ReportDisconnect()
	if c.IsReady() {
		t.Error("controller should not be ready after ReportDisconnect")
	}
	if disconnects != 1 {
		t.Errorf("onDisconnect called %d times, want 1", disconnects)
	}

	// A second disconnect report while already stopped must not fire
	// the callback again.
	c.ReportDisconnect()
	if disconnects != 1 {
		t.Errorf("onDisconnect called %d times after a no-op report, want still 1", disconnects)
	}
}

func TestAlienGroupCreatedOnDemand(t *testing.T) {
	c := newTestController(t, nil)
	if err := c.Run(nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	g1, err := c.AlienGroup("node-b")
	if err != nil {
		t.Fatalf("AlienGroup: %v", err)
	}
	g2, err := c.AlienGroup("node-b")
	if err != nil {
		t.Fatalf("AlienGroup (second call): %v", err)
	}
	if g1 != g2 {
		t.Error("AlienGroup should return the same group for the same remote node")
	}

	if !c.CanProcessOperation(Operation{IsAlien: true, RemoteNodeName: "node-b", VDiskID: 0}) {
		t.Error("CanProcessOperation should accept a known alien remote node")
	}
	if c.CanProcessOperation(Operation{IsAlien: true, RemoteNodeName: "node-z", VDiskID: 0}) {
		t.Error("CanProcessOperation should reject an unknown alien remote node")
	}
}
