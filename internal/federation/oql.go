package federation

import "strings"

// ExtractSource returns the source clause of an OQL query: the token
// following FROM, e.g. "all_agents:process_launch". Query planning
// itself happens on the nodes; the engine only needs the source for
// routing and bookkeeping. Returns "" when the query has no FROM
// clause.
func ExtractSource(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		if strings.EqualFold(f, "FROM") && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}
