package readback

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
)

type DeviationKind int

const (
	// Unwritten means the compare-and-swap never committed.
	Unwritten DeviationKind = iota
	// WrongIndex means the slot holds a valid index other than its own.
	WrongIndex
	// OutOfRange means the slot holds a value that no invocation writes.
	OutOfRange
)

func (k DeviationKind) String() string {
	switch k {
	case Unwritten:
		return "unwritten"
	case WrongIndex:
		return "wrong index"
	case OutOfRange:
		return "out of range"
	default:
		return "DeviationKind(" + strconv.Itoa(int(k)) + ")"
	}
}

type Deviation struct {
	Slot int
	Got  int32
	Kind DeviationKind
}

func (d Deviation) Want() int32 {
	return int32(d.Slot)
}

type Analysis struct {
	Deviations []Deviation
	// Duplicates lists values seen in more than one slot, ascending.
	Duplicates []int32
	// Missing lists indices that appear in no slot, ascending.
	Missing []int32
}

func (a Analysis) OK() bool {
	return len(a.Deviations) == 0
}

// Analyze compares values with the identity sequence 0..len(values)-1.
func Analyze(values []int32, sentinel int32) Analysis {
	var result Analysis

	seen := make(map[int32]int, len(values))
	for slot, v := range values {
		seen[v]++

		if v == int32(slot) {
			continue
		}

		kind := WrongIndex
		switch {
		case v == sentinel:
			kind = Unwritten
		case v < 0 || int(v) >= len(values):
			kind = OutOfRange
		}
		result.Deviations = append(result.Deviations, Deviation{Slot: slot, Got: v, Kind: kind})
	}

	for v, count := range seen {
		if count > 1 && v != sentinel {
			result.Duplicates = append(result.Duplicates, v)
		}
	}
	sort.Slice(result.Duplicates, func(i, j int) bool { return result.Duplicates[i] < result.Duplicates[j] })

	for i := range values {
		if seen[int32(i)] == 0 {
			result.Missing = append(result.Missing, int32(i))
		}
	}

	return result
}

// WriteReport renders one row per deviating slot.
func WriteReport(w io.Writer, analysis Analysis) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"Slot", "Expected", "Actual", "Kind"}); err != nil {
		return errors.Wrap(err, "append report header")
	}

	for _, d := range analysis.Deviations {
		row := []string{
			strconv.Itoa(d.Slot),
			strconv.FormatInt(int64(d.Want()), 10),
			strconv.FormatInt(int64(d.Got), 10),
			d.Kind.String(),
		}
		if err := table.Append(row); err != nil {
			return errors.Wrapf(err, "append report row for slot %d", d.Slot)
		}
	}

	if err := table.Render(); err != nil {
		return errors.Wrap(err, "render report")
	}

	if len(analysis.Duplicates) > 0 {
		if _, err := fmt.Fprintf(w, "duplicated values: %v\n", analysis.Duplicates); err != nil {
			return errors.WithStack(err)
		}
	}
	if len(analysis.Missing) > 0 {
		if _, err := fmt.Fprintf(w, "missing values: %v\n", analysis.Missing); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
