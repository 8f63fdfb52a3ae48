package migrate

import (
	"regexp"
	"strings"
)

// ObjectType is the kind of schema object an error refers to.
type ObjectType string

const (
	ObjectTable      ObjectType = "table"
	ObjectView       ObjectType = "view"
	ObjectIndex      ObjectType = "index"
	ObjectColumn     ObjectType = "column"
	ObjectConstraint ObjectType = "constraint"
	ObjectUnknown    ObjectType = "unknown"
)

// ObjectRef identifies the object a failed statement collided with.
type ObjectRef struct {
	Type  ObjectType `json:"type"`
	Name  string     `json:"name,omitempty"`
	Table string     `json:"owning_table,omitempty"`
}

type objectPattern struct {
	typ ObjectType
	re  *regexp.Regexp
	// Submatch indexes. table is 0 when the pattern has no owning table.
	name  int
	table int
}

// objectPatterns are tried in order; the more specific column and
// constraint shapes come before the table and relation ones they overlap.
var objectPatterns = []objectPattern{
	// postgres: column "c" of relation "t" already exists
	{typ: ObjectColumn, re: regexp.MustCompile(`(?i)column "([^"]+)" of relation "([^"]+)" already exists`), name: 1, table: 2},
	// mysql: Duplicate column name 'c'; sqlite: duplicate column name: c
	{typ: ObjectColumn, re: regexp.MustCompile("(?i)duplicate column name:?\\s*[`'\"]?([\\w.]+)"), name: 1},
	// postgres: constraint "c" for relation "t" already exists
	{typ: ObjectConstraint, re: regexp.MustCompile(`(?i)constraint "([^"]+)" for relation "([^"]+)" already exists`), name: 1, table: 2},
	// mysql 1826: Duplicate foreign key constraint name 'c'
	{typ: ObjectConstraint, re: regexp.MustCompile("(?i)duplicate foreign key constraint name\\s*[`'\"]([^`'\"]+)"), name: 1},
	// mysql 121: ... constraint 'c' ...
	{typ: ObjectConstraint, re: regexp.MustCompile("(?i)constraint\\s*[`'\"]([^`'\"]+)[`'\"]"), name: 1},
	// mysql 1061: Duplicate key name 'idx'
	{typ: ObjectIndex, re: regexp.MustCompile("(?i)duplicate key name\\s*[`'\"]([^`'\"]+)"), name: 1},
	// sqlite: index idx already exists
	{typ: ObjectIndex, re: regexp.MustCompile("(?i)index\\s+[`'\"]?([\\w.]+)[`'\"]?\\s+already exists"), name: 1},
	{typ: ObjectView, re: regexp.MustCompile("(?i)view\\s+[`'\"]?([\\w.]+)[`'\"]?\\s+already exists"), name: 1},
	// mysql 1050: Table 'x' already exists; sqlite: table x already exists
	{typ: ObjectTable, re: regexp.MustCompile("(?i)table\\s+[`'\"]?([\\w.]+)[`'\"]?\\s+already exists"), name: 1},
	// postgres 42P07: relation "x" already exists
	{typ: ObjectTable, re: regexp.MustCompile(`(?i)relation "([^"]+)" already exists`), name: 1},
}

// InferObject extracts the object a failure message refers to. Messages
// that match no pattern yield ObjectUnknown.
func InferObject(message string) ObjectRef {
	for _, p := range objectPatterns {
		m := p.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}

		ref := ObjectRef{Type: p.typ, Name: unqualify(m[p.name])}
		if p.table > 0 {
			ref.Table = unqualify(m[p.table])
		}

		return ref
	}

	return ObjectRef{Type: ObjectUnknown}
}

// unqualify strips a schema or database prefix.
func unqualify(name string) string {
	name = strings.Trim(name, "`'\"[]")
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}

	return name
}
