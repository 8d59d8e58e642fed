package diff

import (
	"slices"
	"strings"
	"unicode"

	"flippio/internal/history"
)

// StatementKind classifies a SQL statement by its effect.
type StatementKind int

const (
	StatementRead StatementKind = iota
	StatementInsert
	StatementUpdate
	StatementDelete
	StatementSchema
)

// Classify returns the kind of sql and, when it can be determined, the name
// of the table it writes to. Leading comments and WITH clauses are skipped.
func Classify(sql string) (StatementKind, string) {
	words := tokenize(sql)
	if len(words) == 0 {
		return StatementRead, ""
	}

	i := 0
	if strings.EqualFold(words[0], "WITH") {
		i = slices.IndexFunc(words, isWriteKeyword)
		if i < 0 {
			return StatementRead, ""
		}
	}

	switch strings.ToUpper(words[i]) {
	case "INSERT", "REPLACE":
		return StatementInsert, tableAfter(words[i+1:], "INTO")
	case "UPDATE":
		rest := words[i+1:]
		if len(rest) >= 2 && strings.EqualFold(rest[0], "OR") {
			rest = rest[2:]
		}
		return StatementUpdate, first(rest)
	case "DELETE":
		return StatementDelete, tableAfter(words[i+1:], "FROM")
	case "CREATE", "DROP", "ALTER":
		return StatementSchema, tableAfter(words[i+1:], "TABLE")
	default:
		return StatementRead, ""
	}
}

// BulkOperation maps a write statement kind and affected row count to the
// operation type recorded for it. Schema statements are recorded as bulk
// updates of their table.
func BulkOperation(kind StatementKind, count int64) (history.Operation, bool) {
	switch kind {
	case StatementInsert:
		return history.BulkInsert{Count: count}, true
	case StatementUpdate, StatementSchema:
		return history.BulkUpdate{Count: count}, true
	case StatementDelete:
		return history.BulkDelete{Count: count}, true
	default:
		return nil, false
	}
}

func isWriteKeyword(w string) bool {
	switch strings.ToUpper(w) {
	case "INSERT", "REPLACE", "UPDATE", "DELETE":
		return true
	}
	return false
}

func tableAfter(words []string, keyword string) string {
	for i, w := range words {
		if strings.EqualFold(w, keyword) {
			rest := words[i+1:]
			for len(rest) > 0 && isModifier(rest[0]) {
				rest = rest[1:]
			}
			return first(rest)
		}
	}
	return ""
}

func isModifier(w string) bool {
	switch strings.ToUpper(w) {
	case "IF", "NOT", "EXISTS", "OR", "ROLLBACK", "ABORT", "FAIL", "IGNORE", "REPLACE":
		return true
	}
	return false
}

func first(words []string) string {
	if len(words) == 0 {
		return ""
	}
	name := words[0]
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	return strings.Trim(name, "\"`[]")
}

// tokenize splits sql into words, dropping comments and string literals.
// Quoted identifiers are kept as single words.
func tokenize(sql string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}

	rs := []rune(sql)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			flush()
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			flush()
			i += 2
			for i+1 < len(rs) && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i++
		case r == '\'':
			flush()
			i++
			for i < len(rs) && rs[i] != '\'' {
				i++
			}
		case r == '"' || r == '`' || r == '[':
			closer := r
			if r == '[' {
				closer = ']'
			}
			cur.WriteRune(r)
			i++
			for i < len(rs) && rs[i] != closer {
				cur.WriteRune(rs[i])
				i++
			}
			if i < len(rs) {
				cur.WriteRune(rs[i])
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.':
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}
