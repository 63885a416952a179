package service

import "tradelink/internal/models"

// ValidTransitions определяет допустимые переходы между состояниями подключения
var ValidTransitions = map[string][]string{
	models.StateCreated:       {models.StatePendingAuth, models.StateAuthenticated, models.StateDisconnected},
	models.StatePendingAuth:   {models.StateAuthenticated, models.StateCreated},
	models.StateAuthenticated: {models.StateExpired, models.StateDisconnected},
	models.StateExpired:       {models.StateAuthenticated, models.StatePendingAuth, models.StateDisconnected},
	models.StateDisconnected:  {models.StatePendingAuth, models.StateAuthenticated}, // повторный login
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case models.StateCreated:
		return "Подключение создано, логин ещё не выполнялся"
	case models.StatePendingAuth:
		return "Ожидание завершения логина у брокера"
	case models.StateAuthenticated:
		return "Сессия активна, сигналы принимаются"
	case models.StateExpired:
		return "Сессия истекла, требуется повторный логин"
	case models.StateDisconnected:
		return "Подключение отключено пользователем"
	default:
		return "Неизвестное состояние"
	}
}
