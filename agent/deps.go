package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrecords/quill/agent/llm"
	"github.com/openrecords/quill/graph/emit"
	"github.com/openrecords/quill/store"
)

// EmailExecutor dispatches outbound correspondence. Implementations must be
// safe to call at most once per execution key; the engine guarantees the
// at-most-once part via the claim, the executor just sends.
type EmailExecutor interface {
	// Send dispatches an email for the case and returns the provider's
	// message reference.
	Send(ctx context.Context, caseID, subject, bodyRef string) (string, error)
}

// PortalRunner submits a request through an agency web portal.
type PortalRunner interface {
	Submit(ctx context.Context, caseID, portalURL, bodyRef string) (string, error)
}

// Notifier surfaces human-facing events: a case needs review, a job died.
type Notifier interface {
	CaseNeedsReview(ctx context.Context, caseID, proposalID string, reason store.PauseReason)
}

// BodyStore holds document bodies out of band; graph state and proposals
// carry only references.
type BodyStore interface {
	Put(ctx context.Context, content string) (ref string, err error)
	Get(ctx context.Context, ref string) (string, error)
}

// Deps are the collaborators every node shares.
type Deps struct {
	Store   *store.Store
	LLM     llm.Client
	Bodies  BodyStore
	Email   EmailExecutor
	Portal  PortalRunner
	Notify  Notifier
	Emitter emit.Emitter

	// Now is the clock; tests override it.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d Deps) emit(ev emit.Event) {
	if d.Emitter != nil {
		d.Emitter.Emit(ev)
	}
}

// DryRunEmailExecutor records sends without touching a provider. Used in
// development and as the default when no SMTP credentials are configured.
type DryRunEmailExecutor struct {
	mu   sync.Mutex
	sent []DryRunSend
}

// DryRunSend is one recorded dispatch.
type DryRunSend struct {
	CaseID  string
	Subject string
	BodyRef string
}

// Send implements EmailExecutor.
func (d *DryRunEmailExecutor) Send(_ context.Context, caseID, subject, bodyRef string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, DryRunSend{CaseID: caseID, Subject: subject, BodyRef: bodyRef})
	return fmt.Sprintf("dry-run:%d", len(d.sent)), nil
}

// Sent returns the recorded dispatches.
func (d *DryRunEmailExecutor) Sent() []DryRunSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DryRunSend, len(d.sent))
	copy(out, d.sent)
	return out
}

// ManualPortalRunner fulfills portal submissions by handing them to an
// operator: the execution record carries a task reference and the notifier
// is pinged so someone works the agency's portal by hand. The default
// runner until per-portal automation exists.
type ManualPortalRunner struct {
	Notify Notifier

	mu        sync.Mutex
	submitted []PortalTask
}

// PortalTask is one recorded portal submission request.
type PortalTask struct {
	CaseID    string
	PortalURL string
	BodyRef   string
}

// Submit implements PortalRunner.
func (r *ManualPortalRunner) Submit(ctx context.Context, caseID, portalURL, bodyRef string) (string, error) {
	r.mu.Lock()
	r.submitted = append(r.submitted, PortalTask{CaseID: caseID, PortalURL: portalURL, BodyRef: bodyRef})
	n := len(r.submitted)
	r.mu.Unlock()

	if r.Notify != nil {
		r.Notify.CaseNeedsReview(ctx, caseID, "", store.PausePendingApproval)
	}
	return fmt.Sprintf("portal-task:%s:%d", caseID, n), nil
}

// Submitted returns the recorded portal tasks.
func (r *ManualPortalRunner) Submitted() []PortalTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PortalTask, len(r.submitted))
	copy(out, r.submitted)
	return out
}

// MemBodyStore is an in-memory BodyStore for tests and dry runs.
type MemBodyStore struct {
	mu     sync.RWMutex
	bodies map[string]string
}

// NewMemBodyStore creates an empty body store.
func NewMemBodyStore() *MemBodyStore {
	return &MemBodyStore{bodies: make(map[string]string)}
}

// Put stores content under a fresh reference.
func (m *MemBodyStore) Put(_ context.Context, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "body:" + uuid.NewString()
	m.bodies[ref] = content
	return ref, nil
}

// Get loads content by reference.
func (m *MemBodyStore) Get(_ context.Context, ref string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.bodies[ref]
	if !ok {
		return "", fmt.Errorf("body %s not found", ref)
	}
	return content, nil
}

// NullNotifier discards notifications.
type NullNotifier struct{}

// CaseNeedsReview implements Notifier.
func (NullNotifier) CaseNeedsReview(context.Context, string, string, store.PauseReason) {}
