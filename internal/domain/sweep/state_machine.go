// Пакет sweep — конечный автомат фаз очистки истёкших файлов.
//
// Цикл: idle → scanning → purging → idle.
// Из scanning допустим возврат в idle (нечего удалять или ошибка чтения).
//
// Потокобезопасен через sync.RWMutex.
package sweep

import (
	"fmt"
	"sync"
	"time"
)

// Phase — фаза очистки.
type Phase string

const (
	// PhaseIdle — очистка не выполняется
	PhaseIdle Phase = "idle"
	// PhaseScanning — выборка истёкших записей
	PhaseScanning Phase = "scanning"
	// PhasePurging — удаление блобов и строк
	PhasePurging Phase = "purging"
)

// validTransitions — матрица допустимых переходов.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseIdle:     {PhaseScanning: true},
	PhaseScanning: {PhasePurging: true, PhaseIdle: true},
	PhasePurging:  {PhaseIdle: true},
}

// Transition — запись о переходе между фазами.
type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// historyLimit — сколько последних переходов хранится.
const historyLimit = 32

// StateMachine — конечный автомат фаз очистки.
type StateMachine struct {
	mu      sync.RWMutex
	current Phase
	since   time.Time
	history []Transition
}

// NewStateMachine создаёт автомат в фазе idle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: PhaseIdle,
		since:   time.Now().UTC(),
		history: make([]Transition, 0, historyLimit),
	}
}

// Current возвращает текущую фазу.
func (sm *StateMachine) Current() Phase {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Since возвращает момент входа в текущую фазу.
func (sm *StateMachine) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.since
}

// CanTransitionTo проверяет, допустим ли переход в указанную фазу.
func (sm *StateMachine) CanTransitionTo(target Phase) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return validTransitions[sm.current][target]
}

// TransitionTo выполняет переход. Недопустимый переход возвращает
// *TransitionError и не меняет состояние.
func (sm *StateMachine) TransitionTo(target Phase) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !validTransitions[sm.current][target] {
		return &TransitionError{From: sm.current, To: target}
	}

	now := time.Now().UTC()
	if len(sm.history) == historyLimit {
		sm.history = sm.history[1:]
	}
	sm.history = append(sm.history, Transition{From: sm.current, To: target, Timestamp: now})
	sm.current = target
	sm.since = now

	return nil
}

// Reset принудительно возвращает автомат в idle.
// Используется при аварийном завершении цикла (panic recovery).
func (sm *StateMachine) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current != PhaseIdle {
		sm.current = PhaseIdle
		sm.since = time.Now().UTC()
	}
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []Transition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]Transition, len(sm.history))
	copy(result, sm.history)
	return result
}

// TransitionError — недопустимый переход между фазами.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("переход %s → %s недопустим", e.From, e.To)
}
