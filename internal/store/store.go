package store

// Task status values. Transitions only move forward:
// pending -> approved|denied -> dispatched -> archived.
const (
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusDenied     = "denied"
	StatusDispatched = "dispatched"
	StatusArchived   = "archived"
)

// Source delivery modes.
const (
	DeliveryPush = "push"
	DeliveryPull = "pull"
	DeliveryBoth = "both"
)

// Job status values.
const (
	JobPending = "pending"
	JobRunning = "running"
)

type Store interface {
	WithTx(fn func(Tx) error) error

	PutSource(src SourceRecord) error
	GetSource(sourceID string) (SourceRecord, bool)

	PutTask(task TaskRecord) error
	GetTask(taskID string) (TaskRecord, bool)
	ListArchivable(cutoff string, limit int) ([]TaskRecord, error)

	PutDecision(dec DecisionRecord) error
	GetDecisionByTask(taskID string) (DecisionRecord, bool)

	PutEvent(ev EventRecord) error
	GetEvent(eventID string) (EventRecord, bool)
	ListUndeliveredDue(cutoff string, limit int) ([]EventRecord, error)
	ListUndeliveredBySource(sourceID string, limit int) ([]EventRecord, error)

	PutIdempotency(rec IdemRecord) error
	GetIdempotency(idemKey string) (IdemRecord, bool)

	EnqueueJob(job JobRecord) (bool, error)
	ClaimDueJobs(now string, limit int) ([]JobRecord, error)
	CompleteJob(jobKey string) error
	ResetRunningJobs() error
}

type Tx interface {
	PutSource(src SourceRecord) error
	GetSource(sourceID string) (SourceRecord, bool)

	PutTask(task TaskRecord) error
	GetTask(taskID string) (TaskRecord, bool)

	PutDecision(dec DecisionRecord) error
	GetDecisionByTask(taskID string) (DecisionRecord, bool)

	PutEvent(ev EventRecord) error
	GetEvent(eventID string) (EventRecord, bool)
}

type SourceRecord struct {
	SourceID           string
	Name               string
	DeliveryMode       string // push | pull | both
	WebhookEnabled     bool
	WebhookURL         string
	WebhookSecret      string
	TimeoutMS          int
	MaxAttempts        int
	BackoffBaseSeconds int
	CreatedAt          string
	UpdatedAt          string
}

type TaskRecord struct {
	TaskID         string
	SourceID       string
	Status         string
	Priority       int
	RiskLevel      string
	RiskWarning    *string
	BlocksOriginal []byte // immutable after creation
	BlocksWorking  []byte // mutable only while status == pending
	BlocksFinal    []byte // set once, atomically with leaving pending
	DiffJSON       []byte // set once, alongside BlocksFinal
	MetadataJSON   []byte
	CreatedAt      string
	UpdatedAt      string
	ArchivedAt     *string
}

type DecisionRecord struct {
	DecisionID string
	TaskID     string
	Kind       string // approve | deny
	Reason     *string
	DecidedBy  *string
	DecidedAt  string
}

type EventRecord struct {
	EventID       string
	TaskID        string
	SourceID      string
	Kind          string // approve | deny
	PayloadJSON   []byte // immutable snapshot taken at decision time
	Delivered     bool   // false -> true, never reset
	AttemptCount  int
	LastAttemptAt *string
	CreatedAt     string
}

type IdemRecord struct {
	IdemKey        string
	BodyHash       string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      string
}

type JobRecord struct {
	JobKey    string
	Kind      string
	Payload   string
	Status    string // pending | running
	RunAt     string
	CreatedAt string
	UpdatedAt string
}
