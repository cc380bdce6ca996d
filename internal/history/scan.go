package history

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ScanEvents reads rows of (occurred_at, run_id, type, name, pid, detail).
func ScanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			e     Event
			runID string
			typ   string
		)
		if err := rows.Scan(&e.OccurredAt, &runID, &typ, &e.Name, &e.PID, &e.Detail); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("history row run_id %q: %w", runID, err)
		}
		e.RunID = id
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
