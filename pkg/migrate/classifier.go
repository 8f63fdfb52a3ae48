package migrate

import (
	"errors"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Classification is the outcome of classifying a failed schema change.
type Classification string

const (
	// AlreadyExists means the change collided with an existing object.
	AlreadyExists Classification = "already_exists"
	// LockRetryable means the change lost a lock race and may be retried.
	LockRetryable Classification = "lock_retryable"
	// NonRetryable means the failure is fatal.
	NonRetryable Classification = "non_retryable"
)

// ClassifierTable holds the data the classifier matches against. Phrases
// are compared against the lower-cased message.
type ClassifierTable struct {
	Phrases []string
	States  []string
	Codes   []int
}

// AlreadyExistsTable matches schema objects that already exist.
var AlreadyExistsTable = ClassifierTable{
	Phrases: []string{
		"already exists",
		"duplicate column",
		"duplicate key name",
		"relation already exists",
		"duplicate foreign key constraint name",
		"there is already an object named",
	},
	States: []string{"42S01", "42S21", "42S11", "42000", "42P07", "42701"},
	Codes:  []int{1050, 1060, 1061, 1826},
}

// LockRetryableTable matches transient lock contention.
var LockRetryableTable = ClassifierTable{
	Phrases: []string{
		"deadlock found",
		"lock wait timeout exceeded",
		"lock timeout",
		"metadata lock",
		"database is locked",
		"could not obtain lock",
		"serialization failure",
		"try restarting transaction",
	},
	States: []string{"40001", "40P01"},
	Codes:  []int{1205, 1213},
}

// AmbiguousStates are SQL states that also cover unrelated failures. They
// count toward a table only when a phrase or a native code corroborates
// them. 42000 is the generic MySQL "syntax error or access violation".
var AmbiguousStates = []string{"42000"}

const (
	// constraintCode is the InnoDB "duplicate key on write" errno, which
	// signals a duplicate constraint name when the message mentions one.
	constraintCode = 121
)

// Result is a classified error.
type Result struct {
	Classification Classification `json:"classification"`
	SQLState       string         `json:"sql_state,omitempty"`
	Code           int            `json:"native_error_code,omitempty"`
	Message        string         `json:"normalized_message"`
}

var (
	// SQLSTATE[42S01]: Base table or view already exists: 1050 Table ...
	reSQLStateBracket = regexp.MustCompile(`SQLSTATE\[([0-9A-Z]{5})\](?::[^:]*:\s*(\d{2,5})\b)?`)
	// Error 1050 (42S01): Table 'x' already exists
	reMySQLError = regexp.MustCompile(`Error (\d{2,5})(?: \(([0-9A-Z]{5})\))?:`)
	// ERROR: relation "x" already exists (SQLSTATE 42P07)
	reSQLStateParen = regexp.MustCompile(`\(SQLSTATE ([0-9A-Z]{5})\)`)
	reWhitespace    = regexp.MustCompile(`\s+`)
)

// Classify inspects err and its driver-specific details.
func Classify(err error) Result {
	if err == nil {
		return Result{Classification: NonRetryable}
	}

	var (
		state string
		code  int
	)

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		code = int(myErr.Number)
		state = strings.TrimRight(string(myErr.SQLState[:]), "\x00")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		state = pgErr.Code
	}

	return classify(err.Error(), state, code)
}

// ClassifyMessage classifies a bare error message, extracting any SQL state
// and native code embedded in it.
func ClassifyMessage(message string) Result {
	return classify(message, "", 0)
}

func classify(message, state string, code int) Result {
	parsedState, parsedCode := parseCodes(message)

	if state == "" {
		state = parsedState
	}

	if code == 0 {
		code = parsedCode
	}

	res := Result{
		Classification: NonRetryable,
		SQLState:       state,
		Code:           code,
		Message:        normalize(message),
	}

	switch {
	case matches(&AlreadyExistsTable, res):
		res.Classification = AlreadyExists
	case code == constraintCode && strings.Contains(res.Message, "constraint"):
		res.Classification = AlreadyExists
	case matches(&LockRetryableTable, res):
		res.Classification = LockRetryable
	}

	return res
}

func matches(table *ClassifierTable, res Result) bool {
	phrase := false

	for _, p := range table.Phrases {
		if strings.Contains(res.Message, p) {
			phrase = true

			break
		}
	}

	code := res.Code != 0 && slices.Contains(table.Codes, res.Code)
	if phrase || code {
		return true
	}

	if res.SQLState == "" || !slices.Contains(table.States, res.SQLState) {
		return false
	}

	// An ambiguous state on its own is not enough.
	return !slices.Contains(AmbiguousStates, res.SQLState)
}

func parseCodes(message string) (string, int) {
	if m := reSQLStateBracket.FindStringSubmatch(message); m != nil {
		code, _ := strconv.Atoi(m[2])

		return m[1], code
	}

	if m := reMySQLError.FindStringSubmatch(message); m != nil {
		code, _ := strconv.Atoi(m[1])

		return m[2], code
	}

	if m := reSQLStateParen.FindStringSubmatch(message); m != nil {
		return m[1], 0
	}

	return "", 0
}

func normalize(message string) string {
	return strings.ToLower(strings.TrimSpace(reWhitespace.ReplaceAllString(message, " ")))
}
