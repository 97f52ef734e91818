package migrate

import "strings"

// quoteIdent backtick-quotes a MySQL identifier, doubling any embedded
// backticks.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// columnList renders a comma-separated list of quoted column names.
func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// jsonObjectArgs renders the argument list of a JSON_OBJECT call
// capturing the given row image, e.g. "'id', NEW.`id`, 'name',
// NEW.`name`".
func jsonObjectArgs(rowPrefix string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "'" + strings.ReplaceAll(c, "'", "''") + "', " + rowPrefix + "." + quoteIdent(c)
	}
	return strings.Join(parts, ", ")
}

// intersect returns the members of a that also appear in b, preserving
// a's order.
func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
