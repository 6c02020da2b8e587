package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
)

// Run states. Exactly one logical run is active at a time, system-wide.
const (
	StatusIdle      = "idle"
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Status is the externally visible run record polled by the admin API.
type Status struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	StartedAt   string   `json:"started_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	ValAccuracy *float64 `json:"val_accuracy,omitempty"`
}

// ErrRunActive is returned by Start while a run is in flight; callers must
// fail fast instead of queueing.
var ErrRunActive = errors.New("training already in progress")

// Runner owns the run-status record behind a single-writer guard. Start is
// a compare-and-swap: it either claims the idle slot or fails.
type Runner struct {
	dataDir   string
	outputDir string
	opts      Options
	timeout   time.Duration

	// invoked after a successful run, typically the artifact exporter
	afterRun func(modelPath, outputDir string) error

	mu     sync.Mutex
	active bool
	status Status
}

// NewRunner creates a runner in the idle state.
func NewRunner(dataDir, outputDir string, opts Options) *Runner {
	return &Runner{
		dataDir:   dataDir,
		outputDir: outputDir,
		opts:      opts,
		timeout:   constants.TrainTimeout,
		status: Status{
			Status:  StatusIdle,
			Message: "No training in progress",
		},
	}
}

// SetAfterRun registers a hook that runs after a successful training run.
// A hook failure is reported in the status message but the run still
// counts as completed; the model checkpoint is already on disk.
func (r *Runner) SetAfterRun(f func(modelPath, outputDir string) error) {
	r.afterRun = f
}

// SetTimeout overrides the wall-clock cutoff.
func (r *Runner) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Status returns a copy of the current run record.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Start claims the runner and launches the pipeline in the background. It
// returns ErrRunActive if a run is already in flight.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrRunActive
	}
	r.active = true
	r.status = Status{
		Status:    StatusStarting,
		Message:   "Training starting...",
		StartedAt: time.Now().Format(time.RFC3339),
	}
	r.mu.Unlock()

	go r.run()
	return nil
}

func (r *Runner) run() {
	r.setRunning()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	summary, err := Train(ctx, r.dataDir, r.outputDir, r.opts)
	if err != nil {
		r.finishFailed(err)
		return
	}

	message := "Training completed successfully"
	if r.afterRun != nil {
		if err := r.afterRun(summary.ModelPath, r.outputDir); err != nil {
			log.WithError(err).Error("Post-training export failed")
			message = fmt.Sprintf("Training completed, export failed: %v", err)
		}
	}
	r.finishCompleted(message, summary)
}

func (r *Runner) setRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Status = StatusRunning
	r.status.Message = "Training in progress..."
}

func (r *Runner) finishCompleted(message string, summary *Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	acc, valAcc := summary.Accuracy, summary.ValAccuracy
	r.status.Status = StatusCompleted
	r.status.Message = message
	r.status.CompletedAt = time.Now().Format(time.RFC3339)
	r.status.Accuracy = &acc
	r.status.ValAccuracy = &valAcc
}

func (r *Runner) finishFailed(err error) {
	message := fmt.Sprintf("Training failed: %v", err)
	if errors.Is(err, context.DeadlineExceeded) {
		message = fmt.Sprintf("Training timed out after %s; the last checkpoint is the best recoverable artifact", r.timeout)
	}
	log.WithError(err).Error("Training run failed")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.status.Status = StatusFailed
	r.status.Message = message
	r.status.CompletedAt = time.Now().Format(time.RFC3339)
}
