package observability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
)

// Recorder receives the outcome of every facade level action. Recording
// never changes control flow: implementations must not panic or block.
type Recorder interface {
	RecordSuccess(message string)
	RecordFailure(message string, cause error)
	RecordWarning(message string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSuccess(string)        {}
func (nopRecorder) RecordFailure(string, error) {}
func (nopRecorder) RecordWarning(string)        {}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }

// OrNop returns r, or a no-op recorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}

// OutcomeKind classifies a recorded event.
type OutcomeKind string

const (
	OutcomePass OutcomeKind = "pass"
	OutcomeFail OutcomeKind = "fail"
	OutcomeWarn OutcomeKind = "warn"
)

// Outcome is one recorded event.
type Outcome struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Kind       OutcomeKind `json:"kind"`
	Message    string      `json:"message"`
	Cause      string      `json:"cause,omitempty"`
	Code       string      `json:"code,omitempty"`
	Screenshot string      `json:"screenshot,omitempty"`
	At         time.Time   `json:"at"`
}

// Screenshotter captures the current viewport as PNG bytes.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Sink persists a batch of outcomes.
type Sink interface {
	SaveOutcomes(ctx context.Context, outcomes []Outcome) error
}

// Summary counts outcomes by kind.
type Summary struct {
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`
}

// Report is the JSON document written at the end of a run.
type Report struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Summary  Summary   `json:"summary"`
	Outcomes []Outcome `json:"outcomes"`
}

const screenshotTimeout = 10 * time.Second

// Journal is the zap-backed Recorder used by the CLI. It keeps every outcome
// in order and captures a screenshot for each failure.
type Journal struct {
	mu       sync.Mutex
	runID    string
	started  time.Time
	logger   *zap.Logger
	outcomes []Outcome

	shots   Screenshotter
	shotDir string
	now     func() time.Time
}

// NewJournal creates a journal for a new run. shots may be nil, in which case
// failures are recorded without screenshots.
func NewJournal(logger *zap.Logger, shots Screenshotter, screenshotDir string) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	return &Journal{
		runID:   runID,
		started: time.Now().UTC(),
		logger:  logger.Named("outcome").With(zap.String("run_id", runID)),
		shots:   shots,
		shotDir: screenshotDir,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunID identifies the run this journal records.
func (j *Journal) RunID() string { return j.runID }

func (j *Journal) RecordSuccess(message string) {
	j.logger.Info(message, zap.String("outcome", string(OutcomePass)))
	j.append(Outcome{Kind: OutcomePass, Message: message})
}

func (j *Journal) RecordWarning(message string) {
	j.logger.Warn(message, zap.String("outcome", string(OutcomeWarn)))
	j.append(Outcome{Kind: OutcomeWarn, Message: message})
}

func (j *Journal) RecordFailure(message string, cause error) {
	o := Outcome{Kind: OutcomeFail, Message: message}
	if cause != nil {
		o.Cause = cause.Error()
		o.Code = string(driver.CodeOf(cause))
	}
	o.Screenshot = j.captureScreenshot()

	j.logger.Error(message,
		zap.String("outcome", string(OutcomeFail)),
		zap.String("code", o.Code),
		zap.String("screenshot", o.Screenshot),
		zap.Error(cause))
	j.append(o)
}

func (j *Journal) append(o Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	o.ID = uuid.NewString()
	o.RunID = j.runID
	o.At = j.now()
	j.outcomes = append(j.outcomes, o)
}

// captureScreenshot writes a PNG next to the report and returns its path, or
// "" when capture is disabled or fails.
func (j *Journal) captureScreenshot() string {
	j.mu.Lock()
	shots, dir, n := j.shots, j.shotDir, len(j.outcomes)
	j.mu.Unlock()
	if shots == nil || dir == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), screenshotTimeout)
	defer cancel()
	png, err := shots.Screenshot(ctx)
	if err != nil {
		j.logger.Warn("Could not capture failure screenshot.", zap.Error(err))
		return ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		j.logger.Warn("Could not create screenshot directory.", zap.String("dir", dir), zap.Error(err))
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%03d.png", j.runID, n+1))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		j.logger.Warn("Could not write failure screenshot.", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}

// Outcomes returns a copy of the recorded outcomes in order.
func (j *Journal) Outcomes() []Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Outcome(nil), j.outcomes...)
}

// Summary counts the recorded outcomes.
func (j *Journal) Summary() Summary {
	var s Summary
	for _, o := range j.Outcomes() {
		switch o.Kind {
		case OutcomePass:
			s.Passed++
		case OutcomeFail:
			s.Failed++
		case OutcomeWarn:
			s.Warnings++
		}
	}
	return s
}

// WriteReport writes the run report as indented JSON, creating parent
// directories as needed.
func (j *Journal) WriteReport(path string) error {
	report := Report{
		RunID:    j.runID,
		Started:  j.started,
		Finished: j.now(),
		Summary:  j.Summary(),
		Outcomes: j.Outcomes(),
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	j.logger.Info("Report written.", zap.String("path", path),
		zap.Int("passed", report.Summary.Passed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("warnings", report.Summary.Warnings))
	return nil
}

// Flush hands every recorded outcome to sink.
func (j *Journal) Flush(ctx context.Context, sink Sink) error {
	outcomes := j.Outcomes()
	if len(outcomes) == 0 {
		return nil
	}
	if err := sink.SaveOutcomes(ctx, outcomes); err != nil {
		return fmt.Errorf("failed to persist %d outcomes: %w", len(outcomes), err)
	}
	return nil
}
