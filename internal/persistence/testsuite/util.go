package testsuite

import (
	"fmt"

	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/readindex"
)

// byLength puts every stream name of the same length into one bucket
var byLength = readindex.HasherFunc(func(streamID string) uint64 {
	return uint64(len(streamID))
})

func events(types ...string) []persistence.EventData {
	a := make([]persistence.EventData, len(types))
	for i, t := range types {
		a[i] = persistence.EventData{
			EventType: t,
			Data:      []byte(fmt.Sprintf(`{"type":%q,"i":%d}`, t, i)),
			Metadata:  []byte(`{"source":"testsuite"}`),
			IsJSON:    true,
		}
	}
	return a
}

func repeat(eventType string, n int) []string {
	a := make([]string, n)
	for i := range a {
		a[i] = fmt.Sprintf("%s-%d", eventType, i)
	}
	return a
}

func eventNumbers(records []persistence.LogRecord) []int64 {
	a := make([]int64, len(records))
	for i, r := range records {
		a[i] = r.EventNumber
	}
	return a
}

func streamIDs(records []persistence.LogRecord) []string {
	a := make([]string, len(records))
	for i, r := range records {
		a[i] = r.StreamID
	}
	return a
}

func labels(records []persistence.LogRecord) []string {
	a := make([]string, len(records))
	for i, r := range records {
		a[i] = r.String()
	}
	return a
}

func reversed(records []persistence.LogRecord) []persistence.LogRecord {
	a := make([]persistence.LogRecord, len(records))
	for i, r := range records {
		a[len(records)-1-i] = r
	}
	return a
}
