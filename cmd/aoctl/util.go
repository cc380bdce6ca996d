package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/aoctl"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// pairTags zips repeated --tag-name/--tag-value flags.
func pairTags(names, values []string) ([]aoctl.Tag, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("--tag-name and --tag-value must be given in pairs (got %d names, %d values)", len(names), len(values))
	}
	tags := make([]aoctl.Tag, 0, len(names))
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("tag %d has an empty name", i+1)
		}
		tags = append(tags, aoctl.Tag{Name: n, Value: values[i]})
	}
	return tags, nil
}
