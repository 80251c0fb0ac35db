package models

import "time"

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Priority of a service request. Emergency requests outrank standard ones
// regardless of distance.
type Priority string

const (
	PriorityStandard  Priority = "standard"
	PriorityEmergency Priority = "emergency"
)

// Rank orders priorities for the matcher; higher sorts first.
func (p Priority) Rank() int {
	if p == PriorityEmergency {
		return 1
	}
	return 0
}

// Status of a service request along its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
	RoleAdmin    Role = "admin"
)

// Actor is the already-authenticated identity performing an operation.
// Credential verification lives outside the engine.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Worker tracks availability, last-known location and the single active
// assignment. Available is the effective flag; WantsAvailable remembers the
// worker's last explicit toggle so an assignment-forced false can be undone
// on release.
type Worker struct {
	ID               string      `json:"id"`
	Available        bool        `json:"available"`
	WantsAvailable   bool        `json:"wants_available"`
	Location         *Coordinate `json:"location,omitempty"`
	CurrentRequestID string      `json:"current_request_id,omitempty"`
	LastAvailableAt  time.Time   `json:"last_available_at,omitempty"`
	Updated          time.Time   `json:"updated"`
}

// Activity is one append-only audit entry on a request.
type Activity struct {
	ActorID string    `json:"actor_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type ServiceRequest struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	Title            string     `json:"title"`
	Priority         Priority   `json:"priority"`
	Location         Coordinate `json:"location"`
	Address          string     `json:"address,omitempty"`
	Status           Status     `json:"status"`
	AssignedWorkerID string     `json:"assigned_worker_id,omitempty"`
	// LastWorkerID retains the final assignee after the assignment is
	// cleared on completion or cancellation.
	LastWorkerID string     `json:"last_worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	Activities   []Activity `json:"activities,omitempty"`
}

// Open reports whether the request still needs attention.
func (r *ServiceRequest) Open() bool { return !r.Status.Terminal() }

// Clone returns a deep copy safe to hand to callers while the original
// keeps mutating under its entity lock.
func (r *ServiceRequest) Clone() *ServiceRequest {
	cp := *r
	cp.Activities = make([]Activity, len(r.Activities))
	copy(cp.Activities, r.Activities)
	cp.AcceptedAt = cloneTime(r.AcceptedAt)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// LifecycleEvent records one successful transition. It carries enough to
// build a user-facing notification without re-querying the store.
type LifecycleEvent struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"request_id"`
	From       Status     `json:"from,omitempty"`
	To         Status     `json:"to"`
	Actor      Actor      `json:"actor"`
	At         time.Time  `json:"at"`
	Priority   Priority   `json:"priority"`
	Location   Coordinate `json:"location"`
	CustomerID string     `json:"customer_id"`
	WorkerID   string     `json:"worker_id,omitempty"`
	Title      string     `json:"title,omitempty"`
}
