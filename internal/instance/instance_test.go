package instance

import (
	"encoding/json"
	"testing"
)

func TestStatusJSONRoundTrip(t *testing.T) {
	for _, status := range []Status{Created, Starting, Running, Stopping, Stopped} {
		data, err := json.Marshal(status)
		if err != nil {
			t.Fatal(err)
		}
		var got Status
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if got != status {
			t.Errorf("round trip = %+v, want %+v", got, status)
		}
	}
}

func TestStatusFailedRoundTrip(t *testing.T) {
	status := Failed("qemu exited with code 1")
	data, err := json.Marshal(status)
	if err != nil {
		t.Fatal(err)
	}

	var got Status
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindFailed {
		t.Errorf("Kind = %q, want %q", got.Kind, KindFailed)
	}
	if got.Error != "qemu exited with code 1" {
		t.Errorf("Error = %q, want the original fault", got.Error)
	}
}

func TestStatusString(t *testing.T) {
	if s := Running.String(); s != "running" {
		t.Errorf("Running.String() = %q", s)
	}
	if s := Failed("boom").String(); s != "failed: boom" {
		t.Errorf("Failed.String() = %q", s)
	}
}

func TestCheckInvariantsPidMatchesStatus(t *testing.T) {
	st := NewState("id-1", "a", Config{})

	// Created with no pid is fine.
	if err := st.CheckInvariants(); err != nil {
		t.Errorf("created without pid: %v", err)
	}

	// Running without a pid violates.
	st.SetStatus(Running)
	if err := st.CheckInvariants(); err == nil {
		t.Error("running without pid should violate invariants")
	}

	st.VMPid = 1234
	if err := st.CheckInvariants(); err != nil {
		t.Errorf("running with pid: %v", err)
	}

	// Stopping keeps the pid.
	st.SetStatus(Stopping)
	if err := st.CheckInvariants(); err != nil {
		t.Errorf("stopping with pid: %v", err)
	}

	// Stopped with a lingering pid violates.
	st.SetStatus(Stopped)
	if err := st.CheckInvariants(); err == nil {
		t.Error("stopped with pid should violate invariants")
	}
}

func TestCheckInvariantsTEE(t *testing.T) {
	st := NewState("id-1", "a", Config{TEEMode: true})
	if err := st.CheckInvariants(); err == nil {
		t.Error("tee_mode without measurement should violate invariants")
	}

	st.Config.ExpectedMeasurement = "ab"
	if err := st.CheckInvariants(); err == nil {
		t.Error("tee_mode without OVMF should violate invariants")
	}

	st.Config.OVMFPath = "/boot/OVMF.fd"
	if err := st.CheckInvariants(); err != nil {
		t.Errorf("tee_mode fully specified: %v", err)
	}
}
