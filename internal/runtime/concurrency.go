// internal/runtime/concurrency.go
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// ErrTaskInProgress is returned by Acquire while another task holds the
// slot.
var ErrTaskInProgress = errors.New("a task is already in progress")

// ErrBlockingCallOutstanding guards the single-blocking-call invariant.
var ErrBlockingCallOutstanding = errors.New("a blocking call is already outstanding")

// ConfirmationPrompt is one pending question for the user. Exactly one
// decision must be sent on Response.
type ConfirmationPrompt struct {
	Prompt   string
	Response chan<- schemas.ConfirmationDecision
}

// Manager owns the concurrency discipline around task execution: a single
// task slot, a single outstanding blocking call, a cooperative cancel flag
// and the confirmation channel to whatever UI is attached.
type Manager struct {
	prompts chan ConfirmationPrompt
	logger  *zap.Logger

	busy     atomic.Bool
	blocking atomic.Bool

	mu        sync.Mutex
	cancelled bool
	cancelCh  chan struct{}
}

// NewManager builds a manager. Prompts are unbuffered; a confirmation waits
// until something is listening or the timeout fires.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		prompts:  make(chan ConfirmationPrompt),
		logger:   logger.Named("runtime.concurrency"),
		cancelCh: make(chan struct{}),
	}
}

// Prompts exposes pending confirmation requests to the UI side.
func (m *Manager) Prompts() <-chan ConfirmationPrompt {
	return m.prompts
}

// Acquire claims the task slot and arms a fresh cancel flag.
func (m *Manager) Acquire() error {
	if !m.busy.CompareAndSwap(false, true) {
		return ErrTaskInProgress
	}
	m.mu.Lock()
	m.cancelled = false
	m.cancelCh = make(chan struct{})
	m.mu.Unlock()
	return nil
}

// Release frees the task slot.
func (m *Manager) Release() {
	m.busy.Store(false)
}

// Busy reports whether a task currently holds the slot.
func (m *Manager) Busy() bool {
	return m.busy.Load()
}

// RequestCancel sets the cooperative cancel flag. The running task notices
// at its next node boundary; in-flight confirmation waits unblock
// immediately.
func (m *Manager) RequestCancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return
	}
	m.cancelled = true
	close(m.cancelCh)
	m.logger.Info("Task cancellation requested")
}

// CancelRequested reports the cancel flag.
func (m *Manager) CancelRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *Manager) cancelChan() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCh
}

// RunBlocking executes fn under a deadline, enforcing that at most one
// blocking call is in flight. On timeout the function's context is
// cancelled and RunBlocking returns without waiting for it to unwind.
func (m *Manager) RunBlocking(ctx context.Context, label string, timeout time.Duration, fn func(context.Context) error) error {
	if !m.blocking.CompareAndSwap(false, true) {
		return ErrBlockingCallOutstanding
	}
	defer m.blocking.Store(false)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			m.logger.Warn("Blocking call timed out", zap.String("label", label), zap.Duration("timeout", timeout))
			return fmt.Errorf("blocking call %q timed out after %s", label, timeout)
		}
		return callCtx.Err()
	}
}

// AwaitConfirmation publishes a prompt and waits for the user's decision.
// A fired timeout is a CONFIRMATION_TIMEOUT error; context end or a cancel
// request resolves to ConfirmationCancel.
func (m *Manager) AwaitConfirmation(ctx context.Context, prompt string, timeout time.Duration) (schemas.ConfirmationDecision, error) {
	response := make(chan schemas.ConfirmationDecision, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	cancelCh := m.cancelChan()

	select {
	case m.prompts <- ConfirmationPrompt{Prompt: prompt, Response: response}:
	case <-timer.C:
		return schemas.ConfirmationReject, schemas.E(schemas.ErrCodeConfirmationTimeout,
			"no listener answered %q within %s", prompt, timeout)
	case <-cancelCh:
		return schemas.ConfirmationCancel, nil
	case <-ctx.Done():
		return schemas.ConfirmationCancel, nil
	}

	select {
	case decision := <-response:
		m.logger.Info("Confirmation decision received",
			zap.String("prompt", prompt), zap.Stringer("decision", decision))
		return decision, nil
	case <-timer.C:
		return schemas.ConfirmationReject, schemas.E(schemas.ErrCodeConfirmationTimeout,
			"confirmation for %q timed out after %s", prompt, timeout)
	case <-cancelCh:
		return schemas.ConfirmationCancel, nil
	case <-ctx.Done():
		return schemas.ConfirmationCancel, nil
	}
}
