package airquality

import "sort"

// BuildUploadRecord converts a record into the backend wire shape: channel
// names sorted ascending without "time", and a single row with time first.
func BuildUploadRecord(rec Record) (UploadRecord, error) {
	ts, ok := rec[ChannelTime]
	if !ok {
		return UploadRecord{}, ErrMissingTime
	}

	names := make([]string, 0, len(rec)-1)
	for k := range rec {
		if k != ChannelTime {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	row := make([]any, 0, len(names)+1)
	row = append(row, ts)
	for _, k := range names {
		row = append(row, rec[k])
	}

	return UploadRecord{ChannelNames: names, Data: [][]any{row}}, nil
}
