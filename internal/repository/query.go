package store

import (
	"strings"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
)

const durationExpr = "(s.updated_at - s.created_at)"

// sessionQuery is the shared FROM/WHERE/GROUP/HAVING pipeline behind both
// the page fetch and the total count, so the two never disagree.
type sessionQuery struct {
	joined     bool
	where      []string
	args       []any
	having     []string
	havingArgs []any
}

// buildSessionQuery translates q into SQL fragments. Queries that filter or
// sort on a derived attribute take the join path: messages are left-joined
// and grouped per session, and derived predicates go to HAVING.
func buildSessionQuery(q *domain.SessionQuery) *sessionQuery {
	b := &sessionQuery{joined: q.NeedsJoin()}
	f := &q.Filter

	if len(f.Statuses) > 0 {
		b.where = append(b.where, "s.status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			b.args = append(b.args, st)
		}
	}
	if f.AgentID != "" {
		b.where = append(b.where, "s.agent_id = ?")
		b.args = append(b.args, f.AgentID)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		cols := []string{"s.id", "s.user_name", "s.user_email", "s.agent_name", "s.initial_message"}
		conds := make([]string, len(cols))
		for i, c := range cols {
			conds[i] = c + ` LIKE ? ESCAPE '\'`
			b.args = append(b.args, pattern)
		}
		b.where = append(b.where, "("+strings.Join(conds, " OR ")+")")
	}
	if f.DateFrom != nil {
		b.where = append(b.where, "s.created_at >= ?")
		b.args = append(b.args, f.DateFrom.UnixMilli())
	}
	if f.DateTo != nil {
		b.where = append(b.where, "s.created_at <= ?")
		b.args = append(b.args, f.DateTo.UnixMilli())
	}

	if f.MinDuration != nil {
		b.having = append(b.having, durationExpr+" >= ?")
		b.havingArgs = append(b.havingArgs, f.MinDuration.Milliseconds())
	}
	if f.MaxDuration != nil {
		b.having = append(b.having, durationExpr+" <= ?")
		b.havingArgs = append(b.havingArgs, f.MaxDuration.Milliseconds())
	}
	if f.MinMessageCount != nil {
		b.having = append(b.having, "COUNT(m.id) >= ?")
		b.havingArgs = append(b.havingArgs, *f.MinMessageCount)
	}
	if f.MaxMessageCount != nil {
		b.having = append(b.having, "COUNT(m.id) <= ?")
		b.havingArgs = append(b.havingArgs, *f.MaxMessageCount)
	}
	return b
}

// pipeline renders everything after SELECT.
func (b *sessionQuery) pipeline() (string, []any) {
	var sb strings.Builder
	args := append([]any{}, b.args...)

	sb.WriteString(" FROM sessions s")
	if b.joined {
		sb.WriteString(" LEFT JOIN messages m ON m.session_id = s.id")
	}
	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	if b.joined {
		sb.WriteString(" GROUP BY s.id")
		if len(b.having) > 0 {
			sb.WriteString(" HAVING ")
			sb.WriteString(strings.Join(b.having, " AND "))
			args = append(args, b.havingArgs...)
		}
	}
	return sb.String(), args
}

func (b *sessionQuery) page(q *domain.SessionQuery) (string, []any) {
	rest, args := b.pipeline()
	countCol := "NULL"
	if b.joined {
		countCol = "COUNT(m.id)"
	}
	dir := "DESC"
	if q.SortOrder == domain.SortAsc {
		dir = "ASC"
	}
	query := "SELECT " + sessionColumns + ", " + countCol + " AS message_count" + rest +
		" ORDER BY " + sortColumn(q.SortBy) + " " + dir + ", s.id ASC LIMIT ? OFFSET ?"
	return query, append(args, q.Limit, q.Offset())
}

func (b *sessionQuery) count() (string, []any) {
	rest, args := b.pipeline()
	if b.joined {
		return "SELECT COUNT(*) FROM (SELECT s.id" + rest + ")", args
	}
	return "SELECT COUNT(*)" + rest, args
}

func sortColumn(f domain.SortField) string {
	switch f {
	case domain.SortByUpdatedAt:
		return "s.updated_at"
	case domain.SortByStatus:
		return "s.status"
	case domain.SortByUserName:
		return "s.user_name COLLATE NOCASE"
	case domain.SortByAgentName:
		return "s.agent_name COLLATE NOCASE"
	case domain.SortByDuration:
		return durationExpr
	case domain.SortByMessageCount:
		return "message_count"
	default:
		return "s.created_at"
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
