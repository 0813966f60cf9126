// Package extract pages through a migration source in fixed chunks.
// A failed page fetch is recorded, not fatal: extraction continues at the
// next offset and the job can still finish partial.
package extract

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"imigrate/internal/imis"
	"imigrate/internal/metrics"
	"imigrate/internal/models"

	"github.com/rs/zerolog"
)

// Source fetches one page regardless of source kind.
type Source interface {
	FetchPage(ctx context.Context, offset, limit int) (*imis.Page, error)
}

type querySource struct {
	client *imis.Client
	path   string
}

func (s *querySource) FetchPage(ctx context.Context, offset, limit int) (*imis.Page, error) {
	return s.client.FetchQueryPage(ctx, s.path, offset, limit)
}

type datasourceSource struct {
	client *imis.Client
	name   string
}

func (s *datasourceSource) FetchPage(ctx context.Context, offset, limit int) (*imis.Page, error) {
	return s.client.FetchDatasourcePage(ctx, s.name, offset, limit)
}

// NewSource adapts a client to one of the two source kinds.
func NewSource(client *imis.Client, mode models.JobMode, path string) (Source, error) {
	switch mode {
	case models.JobModeQuery:
		return &querySource{client: client, path: path}, nil
	case models.JobModeDatasource:
		return &datasourceSource{client: client, name: path}, nil
	default:
		return nil, fmt.Errorf("unknown job mode: %q", mode)
	}
}

// PageResult is one extraction page or its recorded failure.
type PageResult struct {
	Offset int
	Rows   []map[string]any
	Failed bool
	Err    error
}

type Extractor struct {
	src      Source
	pageSize int
	envName  string
	logger   zerolog.Logger

	mu            sync.Mutex
	total         int
	totalKnown    bool
	failedOffsets []int
}

func New(src Source, pageSize int, envName string, logger *zerolog.Logger) *Extractor {
	if pageSize <= 0 || pageSize > models.MaxPageSize {
		pageSize = models.MaxPageSize
	}
	return &Extractor{
		src:      src,
		pageSize: pageSize,
		envName:  envName,
		logger:   logger.With().Str("component", "extractor").Logger(),
	}
}

// First fetches the opening page and fixes the total row count. Its failure
// is fatal to the run: without a total there is nothing to page over.
func (e *Extractor) First(ctx context.Context) (*PageResult, error) {
	page, err := e.src.FetchPage(ctx, 0, e.pageSize)
	if err != nil {
		metrics.IncPageFetched(e.envName, "failed")
		return nil, fmt.Errorf("first page fetch failed: %w", err)
	}
	metrics.IncPageFetched(e.envName, "success")

	e.mu.Lock()
	e.total = page.TotalCount
	e.totalKnown = true
	e.mu.Unlock()

	return &PageResult{Offset: 0, Rows: page.Rows}, nil
}

// RemainingOffsets lists every page offset after the first, derived from the
// fixed total. Valid only after First succeeded.
func (e *Extractor) RemainingOffsets() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.totalKnown {
		return nil
	}
	var offsets []int
	for offset := e.pageSize; offset < e.total; offset += e.pageSize {
		offsets = append(offsets, offset)
	}
	return offsets
}

// FetchAt fetches one page by offset. A failure is recorded in the failed
// offset list and returned as a failed result, never as an error.
func (e *Extractor) FetchAt(ctx context.Context, offset int) *PageResult {
	page, err := e.src.FetchPage(ctx, offset, e.pageSize)
	if err != nil {
		metrics.IncPageFetched(e.envName, "failed")
		e.logger.Warn().Int("offset", offset).Err(err).Msg("page fetch failed, continuing at next offset")

		e.mu.Lock()
		e.failedOffsets = append(e.failedOffsets, offset)
		e.mu.Unlock()

		return &PageResult{Offset: offset, Failed: true, Err: err}
	}

	metrics.IncPageFetched(e.envName, "success")
	return &PageResult{Offset: offset, Rows: page.Rows}
}

// Total returns the fixed row count from the first successful page.
func (e *Extractor) Total() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total, e.totalKnown
}

// FailedOffsets returns the offsets whose fetch failed, sorted.
func (e *Extractor) FailedOffsets() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	offsets := append([]int(nil), e.failedOffsets...)
	sort.Ints(offsets)
	return offsets
}

// PageSize returns the configured chunk size.
func (e *Extractor) PageSize() int {
	return e.pageSize
}
