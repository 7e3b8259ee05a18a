// Package backend wraps the Supabase client used by the bot.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

// Row is one decoded PostgREST record.
type Row map[string]any

// Query describes a filtered select. Filters are equality matches.
type Query struct {
	Table      string
	Columns    string
	Filters    map[string]string
	OrderBy    string
	Descending bool
	Limit      int
}

// Executor runs queries and commands against Supabase.
type Executor struct {
	client     *supabase.Client
	probeTable string
	logger     *zap.Logger
	ready      atomic.Bool
}

type Option func(*Executor)

// WithProbeTable sets the table TestConnection selects from.
func WithProbeTable(table string) Option {
	return func(e *Executor) {
		e.probeTable = strings.TrimSpace(table)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New builds an Executor for the project at url authenticated with key.
func New(url, key string, opts ...Option) (*Executor, error) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	key = strings.TrimSpace(key)
	if url == "" || key == "" {
		return nil, errors.New("backend: supabase url and key must not be empty")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("backend: create supabase client: %w", err)
	}

	e := &Executor{
		client:     client,
		probeTable: "profiles",
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// TestConnection selects a single row from the probe table and records the
// outcome for IsReady.
func (e *Executor) TestConnection(ctx context.Context) error {
	_, err := e.Query(ctx, Query{Table: e.probeTable, Columns: "*", Limit: 1})
	e.ready.Store(err == nil)
	if err != nil {
		return fmt.Errorf("backend: connectivity check: %w", err)
	}
	e.logger.Info("supabase connection ok", zap.String("probe_table", e.probeTable))
	return nil
}

// IsReady reports the result of the last connectivity check.
func (e *Executor) IsReady() bool {
	return e != nil && e.ready.Load()
}

func (e *Executor) Query(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Table == "" {
		return nil, errors.New("backend: table must not be empty")
	}
	columns := q.Columns
	if columns == "" {
		columns = "*"
	}

	fb := e.client.From(q.Table).Select(columns, "", false)
	fb = applyFilters(fb, q.Filters)
	if q.OrderBy != "" {
		fb = fb.Order(q.OrderBy, &postgrest.OrderOpts{Ascending: !q.Descending})
	}
	if q.Limit > 0 {
		fb = fb.Limit(q.Limit, "")
	}

	body, err := execute(ctx, func() ([]byte, error) {
		b, _, err := fb.Execute()
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("backend: select %s: %w", q.Table, err)
	}

	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("backend: decode %s rows: %w", q.Table, err)
	}
	return rows, nil
}

func (e *Executor) Insert(ctx context.Context, table string, row any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if table == "" {
		return errors.New("backend: table must not be empty")
	}
	fb := e.client.From(table).Insert(row, false, "", "minimal", "")
	if err := executeCommand(ctx, fb); err != nil {
		return fmt.Errorf("backend: insert into %s: %w", table, err)
	}
	return nil
}

// Update sets values on rows matching filters. Filters must be non-empty so a
// typo can never rewrite a whole table.
func (e *Executor) Update(ctx context.Context, table string, filters map[string]string, values any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if table == "" || len(filters) == 0 {
		return errors.New("backend: update needs a table and at least one filter")
	}
	fb := applyFilters(e.client.From(table).Update(values, "minimal", ""), filters)
	if err := executeCommand(ctx, fb); err != nil {
		return fmt.Errorf("backend: update %s: %w", table, err)
	}
	return nil
}

func (e *Executor) Delete(ctx context.Context, table string, filters map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if table == "" || len(filters) == 0 {
		return errors.New("backend: delete needs a table and at least one filter")
	}
	fb := applyFilters(e.client.From(table).Delete("minimal", ""), filters)
	if err := executeCommand(ctx, fb); err != nil {
		return fmt.Errorf("backend: delete from %s: %w", table, err)
	}
	return nil
}

func applyFilters(fb *postgrest.FilterBuilder, filters map[string]string) *postgrest.FilterBuilder {
	for column, value := range filters {
		fb = fb.Eq(column, value)
	}
	return fb
}

// execute runs fn and returns early with ctx's error if ctx ends first.
// postgrest-go requests take no context, so an abandoned request finishes in
// the background and its result is dropped.
func execute[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

func executeCommand(ctx context.Context, fb *postgrest.FilterBuilder) error {
	_, err := execute(ctx, func() (struct{}, error) {
		_, _, err := fb.Execute()
		return struct{}{}, err
	})
	return err
}
