package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/audiolibrelab/blackbox/internal/errs"
	"github.com/audiolibrelab/blackbox/internal/writer"
)

// ParseChannels turns a selector such as "0,2-4,7" into a sorted list of
// unique zero-based channel indices. Ranges are inclusive.
func ParseChannels(selector string) ([]int, error) {
	seen := make(map[int]bool)
	var channels []int

	add := func(ch int) {
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}

	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			bounds := strings.Split(part, "-")
			if len(bounds) != 2 {
				return nil, fmt.Errorf("%w: invalid range format: %s", errs.ErrChannelParse, part)
			}
			start, err := parseChannel(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("%w: invalid start of range: %s", errs.ErrChannelParse, bounds[0])
			}
			end, err := parseChannel(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("%w: invalid end of range: %s", errs.ErrChannelParse, bounds[1])
			}
			if start > end {
				return nil, fmt.Errorf("%w: invalid range: start %d greater than end %d", errs.ErrChannelParse, start, end)
			}
			if end >= writer.MaxChannels {
				return nil, fmt.Errorf("%w: channel number %d exceeds maximum of %d", errs.ErrChannelParse, end, writer.MaxChannels-1)
			}
			for ch := start; ch <= end; ch++ {
				add(ch)
			}
			continue
		}

		ch, err := parseChannel(part)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid channel number: %s", errs.ErrChannelParse, part)
		}
		if ch >= writer.MaxChannels {
			return nil, fmt.Errorf("%w: channel number %d exceeds maximum of %d", errs.ErrChannelParse, ch, writer.MaxChannels-1)
		}
		add(ch)
	}

	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no valid channels specified", errs.ErrChannelParse)
	}

	sort.Ints(channels)
	return channels, nil
}

func parseChannel(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative channel %d", n)
	}
	return n, nil
}

// FormatChannels is the inverse of ParseChannels, collapsing runs into ranges.
func FormatChannels(channels []int) string {
	if len(channels) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(channels); {
		j := i
		for j+1 < len(channels) && channels[j+1] == channels[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j > i {
			fmt.Fprintf(&b, "%d-%d", channels[i], channels[j])
		} else {
			b.WriteString(strconv.Itoa(channels[i]))
		}
		i = j + 1
	}
	return b.String()
}
