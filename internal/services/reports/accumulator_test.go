package reports

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tai-desktop/internal/models"
	"tai-desktop/internal/stream"
)

func reviewReport(id int64) models.Report {
	return models.Report{ID: id, Kind: models.ReportKindReview, ArticleID: 1, Status: models.ReportPending}
}

func TestAccumulatorReview(t *testing.T) {
	t.Run("Should replace text with the latest snapshot", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Track(reviewReport(1), nil)

		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: "Hel"})
		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: "Hello"})

		report, ok := acc.Get(models.ReportKindReview, 1)
		require.True(t, ok)
		assert.Equal(t, "Hello", report.Text)
		assert.Equal(t, models.ReportProcessing, report.Status)
		assert.False(t, report.IsFinal)
	})

	t.Run("Should end with the last payload for any sequence", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 50; i++ {
			acc := NewAccumulator()
			finals := 0
			acc.Track(reviewReport(int64(i)), func(models.Report) { finals++ })

			n := rng.Intn(10) + 1
			last := ""
			for j := 0; j < n; j++ {
				last = fmt.Sprintf("chunk-%d-%d", i, rng.Intn(1000))
				acc.Apply(models.ReportKindReview, int64(i), stream.ContentEvent{Content: last, IsFinal: j == n-1})
			}

			report, ok := acc.Get(models.ReportKindReview, int64(i))
			require.True(t, ok)
			assert.Equal(t, last, report.Text)
			assert.Equal(t, models.ReportCompleted, report.Status)
			assert.True(t, report.IsFinal)
			assert.Equal(t, 1, finals)
		}
	})

	t.Run("Should finalize only once", func(t *testing.T) {
		acc := NewAccumulator()
		calls := 0
		acc.Track(reviewReport(1), func(models.Report) { calls++ })

		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: "a", IsFinal: true})
		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: "a", IsFinal: true})
		assert.Equal(t, 1, calls)
	})

	t.Run("Should keep content when status returns to processing", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Track(reviewReport(1), nil)

		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: "partial"})
		acc.Apply(models.ReportKindReview, 1, stream.StatusEvent{Status: "processing"})

		report, _ := acc.Get(models.ReportKindReview, 1)
		assert.Equal(t, "partial", report.Text)
		assert.Equal(t, models.ReportProcessing, report.Status)
	})

	t.Run("Should ignore status events after the final content", func(t *testing.T) {
		acc := NewAccumulator()
		changes := 0
		acc.OnChange(func(models.Report) { changes++ })
		acc.Track(reviewReport(1), nil)

		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: "done", IsFinal: true})
		acc.Apply(models.ReportKindReview, 1, stream.StatusEvent{Status: "processing"})

		report, _ := acc.Get(models.ReportKindReview, 1)
		assert.Equal(t, models.ReportCompleted, report.Status)
		assert.True(t, report.IsFinal)
		assert.Equal(t, 1, changes)
	})

	t.Run("Should keep content when tracking resumes", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Track(reviewReport(1), nil)
		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: "partial"})

		resumed := reviewReport(1)
		resumed.Status = models.ReportProcessing
		acc.Track(resumed, nil)

		report, _ := acc.Get(models.ReportKindReview, 1)
		assert.Equal(t, "partial", report.Text)
	})

	t.Run("Should mark the report failed on error events", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Track(reviewReport(1), nil)
		acc.Apply(models.ReportKindReview, 1, stream.ErrorEvent{Message: "quota exceeded"})

		report, _ := acc.Get(models.ReportKindReview, 1)
		assert.Equal(t, models.ReportFailed, report.Status)
		assert.Equal(t, "quota exceeded", report.Error)
	})

	t.Run("Should append deltas in append mode", func(t *testing.T) {
		acc := NewAccumulator()
		acc.SetMode(models.ReportKindReview, ModeAppend)
		acc.Track(reviewReport(1), nil)

		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: "Hello"})
		acc.Apply(models.ReportKindReview, 1, stream.ContentEvent{Content: " world", IsFinal: true})

		report, _ := acc.Get(models.ReportKindReview, 1)
		assert.Equal(t, "Hello world", report.Text)
	})

	t.Run("Should ignore untracked reports and unrelated events", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Apply(models.ReportKindReview, 99, stream.ContentEvent{Content: "x"})
		_, ok := acc.Get(models.ReportKindReview, 99)
		assert.False(t, ok)

		changes := 0
		acc.OnChange(func(models.Report) { changes++ })
		acc.Track(reviewReport(1), nil)
		acc.Apply(models.ReportKindReview, 1, stream.HeartbeatEvent{})
		assert.Equal(t, 0, changes)
	})
}

func TestAccumulatorStructuredData(t *testing.T) {
	structured := models.Report{ID: 5, Kind: models.ReportKindStructuredData, Status: models.ReportProcessing}

	t.Run("Should parse JSON snapshots", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Track(structured, nil)

		acc.Apply(models.ReportKindStructuredData, 5, stream.ContentEvent{Content: `{"title":"A"}`})
		acc.Apply(models.ReportKindStructuredData, 5, stream.ContentEvent{Content: `{"title":"A","year":2024}`, IsFinal: true})

		report, _ := acc.Get(models.ReportKindStructuredData, 5)
		assert.Equal(t, map[string]interface{}{"title": "A", "year": float64(2024)}, report.Data)
		assert.Equal(t, models.ReportCompleted, report.Status)
	})

	t.Run("Should keep non-JSON payloads under the raw field", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Track(structured, nil)

		acc.Apply(models.ReportKindStructuredData, 5, stream.ContentEvent{Content: `{"title": "A", "ye`})

		report, _ := acc.Get(models.ReportKindStructuredData, 5)
		assert.Equal(t, `{"title": "A", "ye`, report.Data[RawField])
	})

	t.Run("Should keep the structure of JSON values that are not objects", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Track(structured, nil)

		acc.Apply(models.ReportKindStructuredData, 5, stream.ContentEvent{Content: `[{"name":"a"},2]`})

		report, _ := acc.Get(models.ReportKindStructuredData, 5)
		assert.Equal(t, []interface{}{map[string]interface{}{"name": "a"}, float64(2)}, report.Data[ValueField])
		assert.NotContains(t, report.Data, RawField)
	})

	t.Run("Should append raw text in append mode", func(t *testing.T) {
		acc := NewAccumulator()
		acc.SetMode(models.ReportKindStructuredData, ModeAppend)
		acc.Track(structured, nil)

		acc.Apply(models.ReportKindStructuredData, 5, stream.ContentEvent{Content: "part one, "})
		acc.Apply(models.ReportKindStructuredData, 5, stream.ContentEvent{Content: "part two"})

		report, _ := acc.Get(models.ReportKindStructuredData, 5)
		assert.Equal(t, "part one, part two", report.Data[RawField])
	})

	t.Run("Should not share maps with callers", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Track(structured, nil)
		acc.Apply(models.ReportKindStructuredData, 5, stream.ContentEvent{Content: `{"title":"A"}`})

		report, _ := acc.Get(models.ReportKindStructuredData, 5)
		report.Data["title"] = "mutated"

		again, _ := acc.Get(models.ReportKindStructuredData, 5)
		assert.Equal(t, "A", again.Data["title"])
	})
}

func TestAccumulatorForget(t *testing.T) {
	acc := NewAccumulator()
	acc.Track(reviewReport(1), nil)
	acc.Track(reviewReport(2), nil)
	assert.Len(t, acc.Snapshot(), 2)

	acc.Forget(models.ReportKindReview, 1)
	_, ok := acc.Get(models.ReportKindReview, 1)
	assert.False(t, ok)
	assert.Len(t, acc.Snapshot(), 1)
}
