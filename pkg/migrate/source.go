package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migration is one schema change loaded from a .sql file.
type Migration struct {
	ID         string
	Path       string
	SQL        string
	Statements []string
}

// Checksum returns the sha256 of the migration source.
func (m *Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.SQL))

	return hex.EncodeToString(sum[:])
}

// Load reads migrations from path, which may be a directory of .sql files
// or a single file. Directory entries are ordered by filename. Files ending
// in .down.sql are ignored.
func Load(path string) ([]*Migration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading migration path: %w", err)
	}

	if !info.IsDir() {
		m, err := loadFile(path)
		if err != nil {
			return nil, err
		}

		return []*Migration{m}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading migration directory: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, ".down.sql") {
			continue
		}

		names = append(names, name)
	}

	sort.Strings(names)

	migrations := make([]*Migration, 0, len(names))

	for _, name := range names {
		m, err := loadFile(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, m)
	}

	return migrations, nil
}

func loadFile(path string) (*Migration, error) {
	//nolint:gosec // Path comes from configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading migration %s: %w", path, err)
	}

	name := filepath.Base(path)
	id := strings.TrimSuffix(strings.TrimSuffix(name, ".sql"), ".up")

	return &Migration{
		ID:         id,
		Path:       path,
		SQL:        string(data),
		Statements: SplitStatements(string(data)),
	}, nil
}

// SplitStatements splits SQL text on top-level semicolons. Quoted strings,
// quoted identifiers, comments and postgres dollar-quoted bodies are kept
// intact. Empty statements are dropped.
func SplitStatements(sql string) []string {
	var (
		out     []string
		current strings.Builder
		quote   byte   // active ', " or ` quote
		dollar  string // active $tag$ delimiter
	)

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" && !commentOnly(stmt) {
			out = append(out, stmt)
		}

		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]

		switch {
		case dollar != "":
			if strings.HasPrefix(sql[i:], dollar) {
				current.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""

				continue
			}
		case quote != 0:
			if c == quote {
				// Doubled quote is an escaped quote.
				if i+1 < len(sql) && sql[i+1] == quote {
					current.WriteByte(c)
					i++
				} else {
					quote = 0
				}
			} else if c == '\\' && quote != '`' && i+1 < len(sql) {
				current.WriteByte(c)
				i++
				c = sql[i]
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '-' && strings.HasPrefix(sql[i:], "--"), c == '#':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}

			current.WriteString(sql[i : i+end])
			i += end - 1

			continue
		case c == '/' && strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				end = len(sql) - i - 2
			} else {
				end += 2
			}

			current.WriteString(sql[i : i+2+end])
			i += 1 + end

			continue
		case c == '$':
			if tag := dollarTag(sql[i:]); tag != "" {
				dollar = tag
				current.WriteString(tag)
				i += len(tag) - 1

				continue
			}
		case c == ';':
			flush()

			continue
		}

		current.WriteByte(c)
	}

	flush()

	return out
}

// dollarTag returns the $tag$ opening s, or "".
func dollarTag(s string) string {
	for j := 1; j < len(s); j++ {
		c := s[j]

		switch {
		case c == '$':
			return s[:j+1]
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || j > 1 && c >= '0' && c <= '9':
		default:
			return ""
		}
	}

	return ""
}

func commentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "/*") && strings.HasSuffix(line, "*/") {
			continue
		}

		return false
	}

	return true
}
