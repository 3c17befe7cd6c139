package corrosion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Statement is a parameterized SQL statement.
type Statement struct {
	Query  string `json:"query"`
	Params []any  `json:"params"`
}

type txResult struct {
	RowsAffected uint    `json:"rows_affected"`
	Error        *string `json:"error"`
}

type txResponse struct {
	Results []txResult `json:"results"`
}

// ExecContext runs statements in one transaction and returns the number of
// rows each affected. Statement failures are joined into the error.
func (c *Client) ExecContext(ctx context.Context, statements ...Statement) ([]uint, error) {
	resp, err := c.send(ctx, http.MethodPost, "/v1/transactions", nil, statements)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusInternalServerError:
	default:
		return nil, expectOK("exec", resp)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return nil, fmt.Errorf("exec: read response: %w", err)
	}
	var tx txResponse
	if err := json.Unmarshal(raw, &tx); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("exec: server error: %s", raw)
		}
		return nil, fmt.Errorf("exec: decode response: %w", err)
	}

	affected := make([]uint, len(tx.Results))
	var errs []error
	for i, r := range tx.Results {
		affected[i] = r.RowsAffected
		if r.Error != nil {
			errs = append(errs, fmt.Errorf("statement %d: %s", i, *r.Error))
		}
	}
	if len(errs) == 0 && resp.StatusCode != http.StatusOK {
		errs = append(errs, fmt.Errorf("exec: server error: %s", raw))
	}
	return affected, errors.Join(errs...)
}

// MigrateContext applies schema statements. The agent only accepts schema
// changes through its migrations endpoint.
func (c *Client) MigrateContext(ctx context.Context, statements ...string) error {
	resp, err := c.send(ctx, http.MethodPost, "/v1/migrations", nil, statements)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := expectOK("apply schema", resp); err != nil {
		return err
	}
	return resp.Body.Close()
}

// QueryContext runs a SELECT and streams its rows.
func (c *Client) QueryContext(ctx context.Context, query string, args ...any) (*Rows, error) {
	resp, err := c.send(ctx, http.MethodPost, "/v1/queries", nil, Statement{Query: query, Params: args})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if err := expectOK("query", resp); err != nil {
		return nil, err
	}
	st := newStream(resp.Body)
	rows, err := openRows(ctx, st, false)
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// event is one line of a streamed query or subscription response. Exactly
// one field is set.
type event struct {
	Columns []string     `json:"columns"`
	Row     *rowEvent    `json:"row"`
	EOQ     *endOfQuery  `json:"eoq"`
	Change  *ChangeEvent `json:"change"`
	Error   *string      `json:"error"`
}

type endOfQuery struct {
	// ChangeID is the last change included in the rows. Subscriptions set it.
	ChangeID *uint64 `json:"change_id"`
}

// rowEvent is encoded as [rowid, [values...]].
type rowEvent struct {
	RowID  uint64
	Values []json.RawMessage
}

func (r *rowEvent) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, "row", &r.RowID, &r.Values)
}

// decodeTuple unmarshals the leading elements of a JSON array into fields.
func decodeTuple(data []byte, what string, fields ...any) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	if len(raw) < len(fields) {
		return fmt.Errorf("decode %s: %d elements, want %d", what, len(raw), len(fields))
	}
	for i, f := range fields {
		if err := json.Unmarshal(raw[i], f); err != nil {
			return fmt.Errorf("decode %s element %d: %w", what, i, err)
		}
	}
	return nil
}

// stream reads newline-delimited events from a response body.
type stream struct {
	body io.ReadCloser
	dec  *json.Decoder
}

func newStream(body io.ReadCloser) *stream {
	return &stream{body: body, dec: json.NewDecoder(body)}
}

func (s *stream) next() (event, error) {
	var e event
	err := s.dec.Decode(&e)
	return e, err
}

func (s *stream) close() error {
	return s.body.Close()
}

// Rows iterates over query results.
type Rows struct {
	ctx     context.Context
	st      *stream
	columns []string
	// keepOpen leaves the stream open at end of query; a subscription keeps
	// reading changes from it.
	keepOpen bool

	cur rowEvent
	eoq *endOfQuery
	err error
}

func openRows(ctx context.Context, st *stream, keepOpen bool) (*Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := st.next()
	switch {
	case err != nil:
		return nil, fmt.Errorf("read columns: %w", err)
	case e.Error != nil:
		return nil, fmt.Errorf("query error: %s", *e.Error)
	case e.Columns == nil:
		return nil, errors.New("response does not start with a columns event")
	}
	return &Rows{ctx: ctx, st: st, columns: e.Columns, keepOpen: keepOpen}, nil
}

func (rs *Rows) Columns() []string {
	return rs.columns
}

// Next advances to the next row. It returns false at the end of the query
// or on error.
func (rs *Rows) Next() bool {
	if rs.err != nil || rs.eoq != nil {
		return false
	}
	if err := rs.ctx.Err(); err != nil {
		rs.abort(err)
		return false
	}

	e, err := rs.st.next()
	switch {
	case err != nil:
		rs.abort(fmt.Errorf("read row: %w", err))
	case e.Error != nil:
		rs.abort(fmt.Errorf("query error: %s", *e.Error))
	case e.EOQ != nil:
		rs.eoq = e.EOQ
		if !rs.keepOpen {
			_ = rs.st.close()
		}
	case e.Row == nil:
		rs.abort(errors.New("unexpected event in row stream"))
	case len(e.Row.Values) != len(rs.columns):
		rs.abort(fmt.Errorf("row has %d values for %d columns", len(e.Row.Values), len(rs.columns)))
	default:
		rs.cur = *e.Row
		return true
	}
	return false
}

func (rs *Rows) abort(err error) {
	rs.err = err
	_ = rs.st.close()
}

func (rs *Rows) Err() error {
	return rs.err
}

// Scan unmarshals the current row's values into dest, one per column.
func (rs *Rows) Scan(dest ...any) error {
	if rs.err != nil {
		return rs.err
	}
	return scanValues(rs.cur.Values, dest)
}

// Done reports whether the end-of-query marker was read.
func (rs *Rows) Done() bool {
	return rs.eoq != nil
}

// changeID returns the change the rows are consistent with, if known.
func (rs *Rows) changeID() (uint64, bool) {
	if rs.eoq == nil || rs.eoq.ChangeID == nil {
		return 0, false
	}
	return *rs.eoq.ChangeID, true
}

func (rs *Rows) Close() error {
	return rs.st.close()
}

func scanValues(values []json.RawMessage, dest []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		if err := json.Unmarshal(v, dest[i]); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}
