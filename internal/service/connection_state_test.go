package service

import (
	"testing"

	"tradelink/internal/models"
)

// TestCanTransition_ValidTransitions проверяет все валидные переходы между состояниями
func TestCanTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
	}{
		{"created to pending auth", models.StateCreated, models.StatePendingAuth},
		{"created to authenticated (gateway login)", models.StateCreated, models.StateAuthenticated},
		{"pending auth to authenticated", models.StatePendingAuth, models.StateAuthenticated},
		{"pending auth back to created (abandoned login)", models.StatePendingAuth, models.StateCreated},
		{"authenticated to expired", models.StateAuthenticated, models.StateExpired},
		{"authenticated to disconnected", models.StateAuthenticated, models.StateDisconnected},
		{"expired to authenticated (silent refresh)", models.StateExpired, models.StateAuthenticated},
		{"expired to pending auth (redirect re-login)", models.StateExpired, models.StatePendingAuth},
		{"expired to disconnected", models.StateExpired, models.StateDisconnected},
		{"disconnected to pending auth (reconnect)", models.StateDisconnected, models.StatePendingAuth},
		{"disconnected to authenticated (reconnect)", models.StateDisconnected, models.StateAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !CanTransition(tt.from, tt.to) {
				t.Errorf("CanTransition(%s, %s) = false, want true", tt.from, tt.to)
			}
		})
	}
}

// TestCanTransition_InvalidTransitions проверяет, что невалидные переходы отклоняются
func TestCanTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
	}{
		{"created to expired", models.StateCreated, models.StateExpired},
		{"pending auth to expired", models.StatePendingAuth, models.StateExpired},
		{"pending auth to disconnected", models.StatePendingAuth, models.StateDisconnected},
		{"authenticated to created", models.StateAuthenticated, models.StateCreated},
		{"authenticated to pending auth", models.StateAuthenticated, models.StatePendingAuth},
		{"expired to created", models.StateExpired, models.StateCreated},
		{"disconnected to created", models.StateDisconnected, models.StateCreated},
		{"disconnected to expired", models.StateDisconnected, models.StateExpired},
		{"self transition", models.StateAuthenticated, models.StateAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if CanTransition(tt.from, tt.to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", tt.from, tt.to)
			}
		})
	}
}

// TestCanTransition_UnknownState проверяет поведение при неизвестном состоянии
func TestCanTransition_UnknownState(t *testing.T) {
	if CanTransition("LIMBO", models.StateAuthenticated) {
		t.Error("transition from unknown state must be rejected")
	}
	if CanTransition(models.StateCreated, "LIMBO") {
		t.Error("transition to unknown state must be rejected")
	}
}

func TestStateInfo(t *testing.T) {
	for _, state := range []string{
		models.StateCreated, models.StatePendingAuth, models.StateAuthenticated,
		models.StateExpired, models.StateDisconnected,
	} {
		if StateInfo(state) == "Неизвестное состояние" {
			t.Errorf("StateInfo(%s) has no description", state)
		}
	}
	if StateInfo("LIMBO") != "Неизвестное состояние" {
		t.Error("unknown state must report as unknown")
	}
}
