package process

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
)

// ParseMaps parses the contents of a /proc/<pid>/maps file.
//
// Each line looks like this:
//	55555555a000-55555557b000 rw-p 00000000 00:00 0          [heap]
func ParseMaps(r io.Reader) ([]memory.Mapping, error) {
	var mappings []memory.Mapping

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		m, err := parseMapsLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}

		mappings = append(mappings, m)
	}

	err := scanner.Err()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read maps")
	}

	return mappings, nil
}

func parseMapsLine(line string) (memory.Mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return memory.Mapping{}, errors.Newf("expected at least 5 fields, got %d", len(fields))
	}

	startStr, endStr, ok := strings.Cut(fields[0], "-")
	if !ok {
		return memory.Mapping{}, errors.Newf("malformed address range: %q", fields[0])
	}

	start, err := strconv.ParseUint(startStr, 16, 64)
	if err != nil {
		return memory.Mapping{}, errors.Wrap(err, "failed to parse start address")
	}

	end, err := strconv.ParseUint(endStr, 16, 64)
	if err != nil {
		return memory.Mapping{}, errors.Wrap(err, "failed to parse end address")
	}

	var name string
	if len(fields) > 5 {
		name = strings.Join(fields[5:], " ")
	}

	return memory.Mapping{
		Start: start,
		End:   end,
		Perms: fields[1],
		Name:  name,
	}, nil
}
