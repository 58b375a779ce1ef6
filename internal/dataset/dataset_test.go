package dataset

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/xkilldash9x/stagehand/internal/config"
)

func writeWorkbook(t *testing.T, sheets map[string][][]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.xlsx")
	f := excelize.NewFile()
	defer f.Close()
	first := true
	for name, rows := range sheets {
		if first {
			require.NoError(t, f.SetSheetName("Sheet1", name))
			first = false
		} else {
			_, err := f.NewSheet(name)
			require.NoError(t, err)
		}
		for r, cells := range rows {
			for c, v := range cells {
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				require.NoError(t, err)
				require.NoError(t, f.SetCellValue(name, cell, v))
			}
		}
	}
	require.NoError(t, f.SaveAs(path))
	return path
}

func dataConfig(path string) config.DataConfig {
	return config.DataConfig{Path: path, CredentialsSheet: "Credentials", StepsSheet: "Steps"}
}

func TestLoad(t *testing.T) {
	path := writeWorkbook(t, map[string][][]any{
		"Credentials": {
			{"Label", "Username", "Password", "Method", "Email"},
			{"admin", "admin", "pw1", "", ""},
			{"", "", "", "", ""},
			{"sso", "", "pw2", "Federated", "alice@contoso.com"},
		},
		"Steps": {
			{"Action", "Name", "Selector", "Value", "Timeout"},
			{"navigate", "", "", "https://app.example.com", ""},
			{"login", "", "", "", 30},
			{"# comment", "", "", "", ""},
			{},
			{"Type", "search", "#q", "widgets", "1500ms"},
			{"click", "go", "//button[.='Go']", "", 2.5},
		},
	})

	wb, err := Load(dataConfig(path))
	require.NoError(t, err)

	wantCreds := []Credential{
		{Row: 2, Label: "admin", Username: "admin", Password: "pw1"},
		{Row: 4, Label: "sso", Method: "federated", Email: "alice@contoso.com", Password: "pw2"},
	}
	if diff := cmp.Diff(wantCreds, wb.Credentials); diff != "" {
		t.Errorf("credentials mismatch (-want +got):\n%s", diff)
	}

	wantSteps := []Step{
		{Row: 2, Action: "navigate", Value: "https://app.example.com"},
		{Row: 3, Action: "login", Timeout: 30 * time.Second},
		{Row: 6, Action: "type", Name: "search", Selector: "#q", Value: "widgets", Timeout: 1500 * time.Millisecond},
		{Row: 7, Action: "click", Name: "go", Selector: "//button[.='Go']", Timeout: 2500 * time.Millisecond},
	}
	if diff := cmp.Diff(wantSteps, wb.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(dataConfig(filepath.Join(t.TempDir(), "nope.xlsx")))
		assert.ErrorContains(t, err, "failed to open workbook")
	})

	t.Run("steps sheet is required", func(t *testing.T) {
		path := writeWorkbook(t, map[string][][]any{"Credentials": {{"username"}, {"bob"}}})
		_, err := Load(dataConfig(path))
		assert.ErrorIs(t, err, ErrSheetNotFound)
	})

	t.Run("credentials sheet is optional", func(t *testing.T) {
		path := writeWorkbook(t, map[string][][]any{"Steps": {{"action"}, {"navigate"}}})
		wb, err := Load(dataConfig(path))
		require.NoError(t, err)
		assert.Empty(t, wb.Credentials)
		assert.Len(t, wb.Steps, 1)
	})

	t.Run("steps need an action column", func(t *testing.T) {
		path := writeWorkbook(t, map[string][][]any{"Steps": {{"name", "selector"}, {"x", "#x"}}})
		_, err := Load(dataConfig(path))
		assert.ErrorContains(t, err, "no action column")
	})

	t.Run("bad timeout names the row", func(t *testing.T) {
		path := writeWorkbook(t, map[string][][]any{"Steps": {{"action", "timeout"}, {"click", "soon"}}})
		_, err := Load(dataConfig(path))
		assert.ErrorContains(t, err, `row 2: invalid timeout "soon"`)
	})
}

func TestCredential(t *testing.T) {
	base := config.AuthConfig{Type: config.AuthDirect, Username: "fallback", Password: "base-pw", FederatedDomain: "login.microsoftonline.com"}

	got := Credential{Method: "federated", Email: "alice@contoso.com"}.AuthConfig(base)
	assert.Equal(t, config.AuthFederated, got.Type)
	assert.Equal(t, "alice@contoso.com", got.Identity())
	assert.Empty(t, got.Username)
	assert.Equal(t, "base-pw", got.Password)
	assert.Equal(t, "login.microsoftonline.com", got.FederatedDomain)

	assert.Equal(t, base, Credential{}.AuthConfig(base))

	assert.Equal(t, "sso", Credential{Label: "sso", Email: "a@b.c"}.Name())
	assert.Equal(t, "a@b.c", Credential{Email: "a@b.c", Password: "secret"}.Name())
	assert.Equal(t, "row 9", Credential{Row: 9}.Name())
}
