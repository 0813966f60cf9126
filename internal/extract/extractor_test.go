package extract

import (
	"context"
	"fmt"
	"testing"

	"imigrate/internal/imis"
	"imigrate/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves total rows in pageSize chunks, failing the configured
// offsets.
type fakeSource struct {
	total       int
	failOffsets map[int]bool
	calls       []int
}

func (s *fakeSource) FetchPage(ctx context.Context, offset, limit int) (*imis.Page, error) {
	s.calls = append(s.calls, offset)
	if s.failOffsets[offset] {
		return nil, fmt.Errorf("boom at %d", offset)
	}

	n := s.total - offset
	if n > limit {
		n = limit
	}
	if n < 0 {
		n = 0
	}
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"Index": offset + i}
	}
	return &imis.Page{Rows: rows, Offset: offset, TotalCount: s.total, HasNext: offset+n < s.total}, nil
}

func newTestExtractor(src Source, pageSize int) *Extractor {
	logger := zerolog.Nop()
	return New(src, pageSize, "test", &logger)
}

func TestExtractor_FirstFixesTotal(t *testing.T) {
	src := &fakeSource{total: 23}
	ex := newTestExtractor(src, 10)

	first, err := ex.First(context.Background())
	require.NoError(t, err)
	assert.Len(t, first.Rows, 10)
	assert.Equal(t, 0, first.Offset)

	total, known := ex.Total()
	assert.True(t, known)
	assert.Equal(t, 23, total)

	// Remaining total drift does not move the fixed count.
	src.total = 99
	total, _ = ex.Total()
	assert.Equal(t, 23, total)
}

func TestExtractor_FirstFailureIsFatal(t *testing.T) {
	src := &fakeSource{total: 23, failOffsets: map[int]bool{0: true}}
	ex := newTestExtractor(src, 10)

	_, err := ex.First(context.Background())
	assert.Error(t, err)

	_, known := ex.Total()
	assert.False(t, known)
	assert.Nil(t, ex.RemainingOffsets())
}

func TestExtractor_RemainingOffsets(t *testing.T) {
	t.Run("partial last page", func(t *testing.T) {
		src := &fakeSource{total: 23}
		ex := newTestExtractor(src, 10)
		_, err := ex.First(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []int{10, 20}, ex.RemainingOffsets())
	})

	t.Run("exact multiple", func(t *testing.T) {
		src := &fakeSource{total: 20}
		ex := newTestExtractor(src, 10)
		_, err := ex.First(context.Background())
		require.NoError(t, err)

		assert.Equal(t, []int{10}, ex.RemainingOffsets())
	})

	t.Run("single page", func(t *testing.T) {
		src := &fakeSource{total: 7}
		ex := newTestExtractor(src, 10)
		_, err := ex.First(context.Background())
		require.NoError(t, err)

		assert.Nil(t, ex.RemainingOffsets())
	})
}

func TestExtractor_FailedPageDoesNotStopLaterPages(t *testing.T) {
	src := &fakeSource{total: 35, failOffsets: map[int]bool{10: true}}
	ex := newTestExtractor(src, 10)
	ctx := context.Background()

	_, err := ex.First(ctx)
	require.NoError(t, err)

	var rowCount int
	for _, offset := range ex.RemainingOffsets() {
		res := ex.FetchAt(ctx, offset)
		if res.Failed {
			assert.Equal(t, 10, res.Offset)
			assert.Error(t, res.Err)
			continue
		}
		rowCount += len(res.Rows)
	}

	assert.Equal(t, []int{10}, ex.FailedOffsets())
	assert.Equal(t, 15, rowCount, "pages 20 and 30 still extracted")
	assert.Equal(t, []int{0, 10, 20, 30}, src.calls, "every offset attempted exactly once")
}

func TestExtractor_PageSizeClamped(t *testing.T) {
	src := &fakeSource{total: 1}
	logger := zerolog.Nop()

	assert.Equal(t, models.MaxPageSize, New(src, 0, "test", &logger).PageSize())
	assert.Equal(t, models.MaxPageSize, New(src, models.MaxPageSize+1, "test", &logger).PageSize())
	assert.Equal(t, 100, New(src, 100, "test", &logger).PageSize())
}

func TestNewSource(t *testing.T) {
	_, err := NewSource(nil, models.JobMode("bulk"), "x")
	assert.Error(t, err)

	src, err := NewSource(nil, models.JobModeQuery, "$/Samples/Members")
	require.NoError(t, err)
	assert.IsType(t, &querySource{}, src)

	src, err = NewSource(nil, models.JobModeDatasource, "Party")
	require.NoError(t, err)
	assert.IsType(t, &datasourceSource{}, src)
}
