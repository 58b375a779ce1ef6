// Package dataset loads the spreadsheet that drives a run: a credentials
// sheet with one login per row and a steps sheet with one action per row.
// Columns are matched by their header, case-insensitively, in any order.
package dataset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/xuri/excelize/v2"

	"github.com/xkilldash9x/stagehand/internal/config"
)

// ErrSheetNotFound is returned when a required sheet is missing.
var ErrSheetNotFound = errors.New("sheet not found")

// Credential is one row of the credentials sheet.
type Credential struct {
	Row      int
	Label    string
	Method   string
	Username string
	Email    string
	Password string
}

// AuthConfig overlays the row on base, keeping base values for empty cells.
func (c Credential) AuthConfig(base config.AuthConfig) config.AuthConfig {
	out := base
	if c.Method != "" {
		out.Type = c.Method
	}
	if c.Username != "" || c.Email != "" {
		out.Username, out.Email = c.Username, c.Email
	}
	if c.Password != "" {
		out.Password = c.Password
	}
	return out
}

// Name labels the row for logs. It never includes the password.
func (c Credential) Name() string {
	switch {
	case c.Label != "":
		return c.Label
	case c.Email != "":
		return c.Email
	case c.Username != "":
		return c.Username
	}
	return fmt.Sprintf("row %d", c.Row)
}

// Step is one row of the steps sheet.
type Step struct {
	Row      int
	Action   string
	Name     string
	Selector string
	Value    string
	// Timeout is zero when the cell is blank.
	Timeout time.Duration
}

// Workbook is the parsed spreadsheet.
type Workbook struct {
	Credentials []Credential
	Steps       []Step
}

// Load reads the workbook at cfg.Path. The steps sheet is required; a missing
// credentials sheet yields no credentials.
func Load(cfg config.DataConfig) (*Workbook, error) {
	path, err := homedir.Expand(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid data path %q: %w", cfg.Path, err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()

	wb := &Workbook{}
	if idx(f, cfg.CredentialsSheet) >= 0 {
		if wb.Credentials, err = ReadCredentials(f, cfg.CredentialsSheet); err != nil {
			return nil, err
		}
	}
	if wb.Steps, err = ReadSteps(f, cfg.StepsSheet); err != nil {
		return nil, err
	}
	return wb, nil
}

func idx(f *excelize.File, sheet string) int {
	if sheet == "" {
		return -1
	}
	i, err := f.GetSheetIndex(sheet)
	if err != nil {
		return -1
	}
	return i
}

// ReadCredentials parses the credentials sheet. Rows without a username or
// email are skipped.
func ReadCredentials(f *excelize.File, sheet string) ([]Credential, error) {
	t, err := readTable(f, sheet)
	if err != nil {
		return nil, err
	}
	var out []Credential
	for _, r := range t.rows {
		c := Credential{
			Row:      r.num,
			Label:    t.cell(r, "label"),
			Method:   strings.ToLower(t.cell(r, "method")),
			Username: t.cell(r, "username"),
			Email:    t.cell(r, "email"),
			Password: t.cell(r, "password"),
		}
		if c.Username == "" && c.Email == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ReadSteps parses the steps sheet. Blank rows and rows whose action starts
// with "#" are skipped.
func ReadSteps(f *excelize.File, sheet string) ([]Step, error) {
	t, err := readTable(f, sheet)
	if err != nil {
		return nil, err
	}
	if _, ok := t.cols["action"]; !ok {
		return nil, fmt.Errorf("sheet %q has no action column", sheet)
	}
	var out []Step
	for _, r := range t.rows {
		action := strings.ToLower(t.cell(r, "action"))
		if action == "" || strings.HasPrefix(action, "#") {
			continue
		}
		timeout, err := parseTimeout(t.cell(r, "timeout"))
		if err != nil {
			return nil, fmt.Errorf("sheet %q row %d: %w", sheet, r.num, err)
		}
		out = append(out, Step{
			Row:      r.num,
			Action:   action,
			Name:     t.cell(r, "name"),
			Selector: t.cell(r, "selector"),
			Value:    t.cell(r, "value"),
			Timeout:  timeout,
		})
	}
	return out, nil
}

// parseTimeout accepts Go durations ("1500ms", "5s") and bare numbers of seconds.
func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

type row struct {
	num   int
	cells []string
}

type table struct {
	cols map[string]int
	rows []row
}

func (t table) cell(r row, col string) string {
	i, ok := t.cols[col]
	if !ok || i >= len(r.cells) {
		return ""
	}
	return strings.TrimSpace(r.cells[i])
}

func readTable(f *excelize.File, sheet string) (table, error) {
	if idx(f, sheet) < 0 {
		return table{}, fmt.Errorf("%w: %q", ErrSheetNotFound, sheet)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return table{}, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	t := table{cols: make(map[string]int)}
	if len(rows) == 0 {
		return t, nil
	}
	for i, h := range rows[0] {
		h = strings.ToLower(strings.TrimSpace(h))
		if _, dup := t.cols[h]; h != "" && !dup {
			t.cols[h] = i
		}
	}
	for i, cells := range rows[1:] {
		t.rows = append(t.rows, row{num: i + 2, cells: cells})
	}
	return t, nil
}
