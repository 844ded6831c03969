// Package runlist parses the RUNS argument accepted by batch
// subcommands: a single id ("3"), an inclusive range ("2-5"), or a
// bracketed mixed list ("[1,3-4,9]").
package runlist

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse expands a run-list expression into ascending, de-duplicated ids.
func Parse(expr string) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty run list")
	}
	parts := []string{expr}
	if strings.HasPrefix(expr, "[") {
		if !strings.HasSuffix(expr, "]") {
			return nil, fmt.Errorf("unterminated run list %q", expr)
		}
		parts = strings.Split(expr[1:len(expr)-1], ",")
	}
	seen := map[int]bool{}
	var ids []int
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty entry in run list %q", expr)
		}
		lo, hi, err := parseEntry(part)
		if err != nil {
			return nil, err
		}
		for id := lo; id <= hi; id++ {
			add(id)
		}
	}
	return ids, nil
}

func parseEntry(part string) (int, int, error) {
	if i := strings.Index(part, "-"); i > 0 {
		lo, err := parseID(part[:i])
		if err != nil {
			return 0, 0, err
		}
		hi, err := parseID(part[i+1:])
		if err != nil {
			return 0, 0, err
		}
		if hi < lo {
			return 0, 0, fmt.Errorf("descending range %q", part)
		}
		return lo, hi, nil
	}
	id, err := parseID(part)
	return id, id, err
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	if id <= 0 {
		return 0, fmt.Errorf("run id must be positive, got %d", id)
	}
	return id, nil
}
