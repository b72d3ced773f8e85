package cron

// Kind selects an entry's firing rule.
type Kind uint8

const (
	KindPeriodic Kind = iota // every N minutes
	KindDaily                // at a configured local hour:minute
	KindCondition            // reserved, never fires
	KindOnce                 // once after N minutes, then self-deletes
)

func (k Kind) String() string {
	switch k {
	case KindPeriodic:
		return "periodic"
	case KindDaily:
		return "daily"
	case KindCondition:
		return "condition"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

const (
	// MaxEntries is the fixed table capacity.
	MaxEntries = 16

	// MaxActionLen bounds the action payload in bytes.
	MaxActionLen = 256

	maxEntryID = 255
)

// Entry is one scheduled action. ID 0 marks an empty slot; live entries
// carry ids 1-255, unique across the table. The slot index an entry occupies
// is not meaningful; the id is the stable handle.
//
// LastRun is read per kind: for Periodic and Daily it is the last firing
// time; for Once it holds the creation time until the single firing.
type Entry struct {
	ID              uint8  `json:"id"`
	Kind            Kind   `json:"kind"`
	IntervalMinutes uint16 `json:"interval_minutes"`
	Hour            uint8  `json:"hour"`
	Minute          uint8  `json:"minute"`
	Action          string `json:"action"`
	LastRun         int64  `json:"last_run"`
	Enabled         bool   `json:"enabled"`
}

func validIntervalMinutes(m int) bool { return m >= 1 && m <= 1440 }

func validDailyTime(hour, minute int) bool {
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}

// nextEntryID returns the smallest id in [1,255] absent from used, or 0 when
// the id space is exhausted. Deterministic and independent of input order.
func nextEntryID(used []uint8) uint8 {
	var taken [maxEntryID + 1]bool
	for _, id := range used {
		if id != 0 {
			taken[id] = true
		}
	}
	for id := 1; id <= maxEntryID; id++ {
		if !taken[id] {
			return uint8(id)
		}
	}
	return 0
}
