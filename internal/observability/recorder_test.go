package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/stagehand/internal/browser/driver"
)

type stubShots struct {
	png []byte
	err error
	n   int
}

func (s *stubShots) Screenshot(ctx context.Context) ([]byte, error) {
	s.n++
	return s.png, s.err
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) SaveOutcomes(ctx context.Context, outcomes []Outcome) error {
	args := m.Called(ctx, outcomes)
	return args.Error(0)
}

func TestNopRecorder(t *testing.T) {
	var r Recorder
	assert.NotPanics(t, func() {
		rec := OrNop(r)
		rec.RecordSuccess("ok")
		rec.RecordFailure("bad", errors.New("boom"))
		rec.RecordWarning("meh")
	})

	j := NewJournal(nil, nil, "")
	assert.Same(t, j, OrNop(j).(*Journal))
}

func TestJournal(t *testing.T) {
	t.Run("records outcomes in order with codes", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		j := NewJournal(zap.New(core), nil, "")

		j.RecordSuccess("Clicked login.")
		j.RecordWarning("Typed password without verification.")
		cause := fmt.Errorf("click submit: %w", &driver.ExhaustedError{Action: "click"})
		j.RecordFailure("Could not click submit.", cause)

		outcomes := j.Outcomes()
		require.Len(t, outcomes, 3)
		assert.Equal(t, OutcomePass, outcomes[0].Kind)
		assert.Equal(t, OutcomeWarn, outcomes[1].Kind)
		assert.Equal(t, OutcomeFail, outcomes[2].Kind)
		assert.Equal(t, string(driver.ErrCodeStrategiesExhausted), outcomes[2].Code)
		assert.Contains(t, outcomes[2].Cause, "click submit")
		for _, o := range outcomes {
			assert.Equal(t, j.RunID(), o.RunID)
			assert.NotEmpty(t, o.ID)
			assert.False(t, o.At.IsZero())
		}

		assert.Equal(t, Summary{Passed: 1, Failed: 1, Warnings: 1}, j.Summary())
		assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
		assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
		assert.Equal(t, "Could not click submit.", logs.FilterLevelExact(zapcore.ErrorLevel).All()[0].Message)
	})

	t.Run("failure captures a screenshot", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "shots")
		shots := &stubShots{png: []byte("\x89PNG")}
		j := NewJournal(zap.NewNop(), shots, dir)

		j.RecordFailure("Password field not found.", driver.NotFound(driver.CSS("password", "#pw")))

		o := j.Outcomes()[0]
		require.NotEmpty(t, o.Screenshot)
		assert.Equal(t, string(driver.ErrCodeElementNotFound), o.Code)
		data, err := os.ReadFile(o.Screenshot)
		require.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), data)
		assert.Equal(t, 1, shots.n)
	})

	t.Run("screenshot errors never block recording", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		j := NewJournal(zap.New(core), &stubShots{err: errors.New("target closed")}, t.TempDir())

		j.RecordFailure("Lost the window.", errors.New("boom"))
		require.Len(t, j.Outcomes(), 1)
		assert.Empty(t, j.Outcomes()[0].Screenshot)
		assert.Equal(t, 1, logs.FilterMessage("Could not capture failure screenshot.").Len())
	})

	t.Run("report round trips", func(t *testing.T) {
		j := NewJournal(zap.NewNop(), nil, "")
		fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		j.now = func() time.Time { return fixed }
		j.RecordSuccess("Logged in.")
		j.RecordFailure("Step 3 failed.", nil)

		path := filepath.Join(t.TempDir(), "out", "report.json")
		require.NoError(t, j.WriteReport(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var report Report
		require.NoError(t, jsoniter.Unmarshal(data, &report))
		assert.Equal(t, j.RunID(), report.RunID)
		assert.Equal(t, Summary{Passed: 1, Failed: 1}, report.Summary)
		assert.Equal(t, fixed, report.Finished)
		require.Len(t, report.Outcomes, 2)
		assert.Equal(t, "Step 3 failed.", report.Outcomes[1].Message)
	})

	t.Run("flush hands outcomes to the sink", func(t *testing.T) {
		j := NewJournal(zap.NewNop(), nil, "")
		sink := new(mockSink)

		require.NoError(t, j.Flush(t.Context(), sink), "nothing to flush is not an error")
		sink.AssertNotCalled(t, "SaveOutcomes", mock.Anything, mock.Anything)

		j.RecordSuccess("Clicked.")
		sink.On("SaveOutcomes", mock.Anything, mock.MatchedBy(func(o []Outcome) bool {
			return len(o) == 1 && o[0].Message == "Clicked."
		})).Return(nil).Once()
		require.NoError(t, j.Flush(t.Context(), sink))

		sink.On("SaveOutcomes", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()
		err := j.Flush(t.Context(), sink)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to persist 1 outcomes")
		sink.AssertExpectations(t)
	})
}
