// Package commands implements the metergate CLI subcommands. All commands
// operate directly on the gateway database; there is no admin HTTP API.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"gorm.io/gorm"
)

var (
	db         *gorm.DB
	outputJSON bool
	verbose    bool
)

// SetDB sets the database connection commands run against.
func SetDB(database *gorm.DB) {
	db = database
}

// SetOutputJSON sets the output format preference.
func SetOutputJSON(json bool) {
	outputJSON = json
}

// SetVerbose sets verbose output.
func SetVerbose(v bool) {
	verbose = v
}

func requireDB() error {
	if db == nil {
		return fmt.Errorf("no database configured; pass --db-url or set DATABASE_URL")
	}
	return nil
}

// OutputTable outputs data in table format, or as JSON rows when --json is
// set.
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	for i, header := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, header)
	}
	_, _ = fmt.Fprintln(w)

	for i := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, "---")
	}
	_, _ = fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(w, "\t")
			}
			_, _ = fmt.Fprint(w, cell)
		}
		_, _ = fmt.Fprintln(w)
	}

	_ = w.Flush()
}

// OutputJSON outputs data in JSON format.
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}
