package device

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeTimer captures the armed duration and lets tests fire the auto-off
// path as if the clock had advanced.
type fakeTimer struct {
	armed    time.Duration
	fire     func()
	armCount int
}

func (f *fakeTimer) timerFunc(d time.Duration, fn func()) *time.Timer {
	f.armed = d
	f.fire = fn
	f.armCount++
	// Real timer far in the future so it never fires on its own.
	return time.AfterFunc(time.Hour, func() {})
}

type faultyPin struct {
	failOff bool
	on      bool
}

func (p *faultyPin) Set(on bool) error {
	if !on && p.failOff {
		return errors.New("pin stuck")
	}
	p.on = on
	return nil
}

func TestActivateArmsAndAutoOffDisarms(t *testing.T) {
	for _, minutes := range []int{1, 10, 30} {
		t.Run(fmt.Sprintf("%dm", minutes), func(t *testing.T) {
			pin := NewSimulatedPin()
			ft := &fakeTimer{}
			actuator := NewRelayActuator(pin, zap.NewNop(), WithTimerFunc(ft.timerFunc))

			d := time.Duration(minutes) * time.Minute
			if err := actuator.Activate(d); err != nil {
				t.Fatalf("activate failed: %v", err)
			}
			if !actuator.Active() {
				t.Fatal("expected actuator armed immediately after activate")
			}
			if !pin.State() {
				t.Fatal("expected pin on after activate")
			}
			if ft.armed != d {
				t.Fatalf("expected timer armed for %s, got %s", d, ft.armed)
			}

			// Advance simulated time to expiry.
			ft.fire()

			if actuator.Active() {
				t.Fatal("expected actuator disarmed after auto-off")
			}
			if pin.State() {
				t.Fatal("expected pin off after auto-off")
			}
		})
	}
}

func TestActivateInvalidDuration(t *testing.T) {
	actuator := NewRelayActuator(NewSimulatedPin(), zap.NewNop())

	for _, d := range []time.Duration{0, -time.Minute, 31 * time.Minute} {
		if err := actuator.Activate(d); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("Activate(%s): expected ErrInvalidDuration, got %v", d, err)
		}
	}
	if actuator.Active() {
		t.Error("rejected activation must not arm the relay")
	}
}

func TestActivateWhileActiveConflicts(t *testing.T) {
	ft := &fakeTimer{}
	actuator := NewRelayActuator(NewSimulatedPin(), zap.NewNop(), WithTimerFunc(ft.timerFunc))

	if err := actuator.Activate(5 * time.Minute); err != nil {
		t.Fatalf("first activate failed: %v", err)
	}
	if err := actuator.Activate(5 * time.Minute); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if ft.armCount != 1 {
		t.Fatalf("expected exactly one outstanding timer, got %d", ft.armCount)
	}
	if !actuator.Active() {
		t.Fatal("original activation must be unaffected by the rejected duplicate")
	}
}

func TestDeactivateIdempotent(t *testing.T) {
	pin := NewSimulatedPin()
	ft := &fakeTimer{}
	actuator := NewRelayActuator(pin, zap.NewNop(), WithTimerFunc(ft.timerFunc))

	// Deactivating while inactive is a safe no-op.
	if err := actuator.Deactivate(); err != nil {
		t.Fatalf("idle deactivate failed: %v", err)
	}

	if err := actuator.Activate(5 * time.Minute); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if err := actuator.Deactivate(); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if actuator.Active() || pin.State() {
		t.Fatal("expected relay off after deactivate")
	}
	if err := actuator.Deactivate(); err != nil {
		t.Fatalf("second deactivate failed: %v", err)
	}

	// The stopped timer firing late must be a no-op.
	ft.fire()
	if actuator.Active() {
		t.Fatal("late timer fire must not re-arm anything")
	}
}

func TestAutoOffCallbackFiresOnce(t *testing.T) {
	ft := &fakeTimer{}
	calls := 0
	actuator := NewRelayActuator(NewSimulatedPin(), zap.NewNop(),
		WithTimerFunc(ft.timerFunc),
		WithAutoOffHandler(func() { calls++ }),
	)

	if err := actuator.Activate(time.Minute); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	ft.fire()
	ft.fire()

	if calls != 1 {
		t.Fatalf("expected auto-off callback once, got %d", calls)
	}
}

func TestEmergencyStopNeverFails(t *testing.T) {
	pin := &faultyPin{failOff: true}
	ft := &fakeTimer{}
	actuator := NewRelayActuator(pin, zap.NewNop(), WithTimerFunc(ft.timerFunc))

	if err := actuator.Activate(time.Minute); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if err := actuator.Deactivate(); err == nil {
		t.Fatal("expected deactivate to surface the pin fault")
	}

	// Emergency stop must clear state even with a faulty pin.
	actuator.EmergencyStop()
	if actuator.Active() {
		t.Fatal("expected inactive after emergency stop")
	}

	// And a later activation must start from a clean slate.
	pin.failOff = false
	if err := actuator.Activate(time.Minute); err != nil {
		t.Fatalf("activate after emergency stop failed: %v", err)
	}
}
