package store

import (
	"fmt"
	"time"
)

// DayCount is the number of messages on one UTC day.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD
	Count int64  `json:"count"`
}

// RangeCounts aggregates a user's messages over a time range.
type RangeCounts struct {
	From     time.Time  `json:"from"`
	To       time.Time  `json:"to"`
	Total    int64      `json:"total"`
	Inbound  int64      `json:"inbound"`
	Outbound int64      `json:"outbound"`
	Days     []DayCount `json:"days"`
}

// CountMessagesInRange aggregates messages sent within [from, to]. Bounds
// given in reverse order are swapped, so both orders return the same result.
func (s *Store) CountMessagesInRange(userID int64, from, to time.Time) (*RangeCounts, error) {
	if from.After(to) {
		from, to = to, from
	}
	rc := &RangeCounts{From: from.UTC(), To: to.UTC(), Days: []DayCount{}}
	lo, hi := from.UnixMilli(), to.UnixMilli()

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN direction = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN direction = ? THEN 1 ELSE 0 END), 0)
		FROM messages
		WHERE user_id = ? AND sent_at BETWEEN ? AND ?
	`, DirectionInbound, DirectionOutbound, userID, lo, hi).Scan(&rc.Total, &rc.Inbound, &rc.Outbound)
	if err != nil {
		return nil, fmt.Errorf("count messages in range: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT strftime('%Y-%m-%d', sent_at / 1000, 'unixepoch') AS day, COUNT(*)
		FROM messages
		WHERE user_id = ? AND sent_at BETWEEN ? AND ?
		GROUP BY day
		ORDER BY day
	`, userID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("count messages per day: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d DayCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		rc.Days = append(rc.Days, d)
	}
	return rc, rows.Err()
}
