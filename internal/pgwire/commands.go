package pgwire

import (
	"fmt"
	"strings"
)

type kind int

const (
	kindRead kind = iota
	kindWrite
	kindDDL
	kindBegin
	kindEnd
)

func (k kind) String() string {
	switch k {
	case kindRead:
		return "read"
	case kindWrite:
		return "write"
	case kindDDL:
		return "ddl"
	case kindBegin, kindEnd:
		return "tx"
	default:
		return "unknown"
	}
}

// classify sorts an upper-cased statement by its leading keyword.
func classify(upper string) kind {
	switch {
	case hasAnyPrefix(upper, "BEGIN", "START TRANSACTION"):
		return kindBegin
	case hasAnyPrefix(upper, "COMMIT", "END", "ROLLBACK", "ABORT"):
		return kindEnd
	case hasAnyPrefix(upper, "INSERT", "UPDATE", "DELETE"):
		return kindWrite
	case hasAnyPrefix(upper, "CREATE", "DROP", "ALTER"):
		return kindDDL
	default:
		return kindRead
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// commandTag builds the CommandComplete tag Postgres would send for a
// statement that affected n rows.
func commandTag(upper string, n int64) string {
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", n)
	case "UPDATE", "DELETE":
		return fmt.Sprintf("%s %d", fields[0], n)
	case "CREATE", "DROP", "ALTER":
		if len(fields) > 1 {
			return fields[0] + " " + strings.TrimSuffix(fields[1], "(")
		}
		return fields[0]
	case "BEGIN", "START":
		return "BEGIN"
	case "COMMIT", "END":
		return "COMMIT"
	case "ROLLBACK", "ABORT":
		return "ROLLBACK"
	default:
		return fields[0]
	}
}
