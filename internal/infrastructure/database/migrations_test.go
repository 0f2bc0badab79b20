package database

import "testing"

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantOK      bool
	}{
		{"001_initial_schema.sql", "001", "initial_schema", true},
		{"042_add_index.sql", "042", "add_index", true},
		{"readme.md", "", "", false},
		{"nounderscore.sql", "", "", false},
		{"abc_bad_version.sql", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		version, name, ok := parseMigrationFilename(tt.filename)
		if ok != tt.wantOK || version != tt.wantVersion || name != tt.wantName {
			t.Errorf("parseMigrationFilename(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.filename, version, name, ok, tt.wantVersion, tt.wantName, tt.wantOK)
		}
	}
}
