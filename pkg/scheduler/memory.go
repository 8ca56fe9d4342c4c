package scheduler

import (
	"strconv"
	"strings"

	"github.com/hodei-pipelines/hodei/pkg/log"
)

var memorySuffixes = []struct {
	suffix string
	factor int64
}{
	{"Ki", 1024},
	{"Mi", 1024 * 1024},
	{"Gi", 1024 * 1024 * 1024},
	{"Ti", 1024 * 1024 * 1024 * 1024},
	{"K", 1000},
	{"M", 1000 * 1000},
	{"G", 1000 * 1000 * 1000},
	{"T", 1000 * 1000 * 1000 * 1000},
}

// ParseMemory converts a memory string to bytes. Binary suffixes Ki/Mi/Gi/Ti
// and decimal K/M/G/T are accepted; a bare integer is bytes. Unparseable
// values yield 0 with a warning.
func ParseMemory(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	for _, m := range memorySuffixes {
		if strings.HasSuffix(s, m.suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, m.suffix), 10, 64)
			if err != nil {
				log.Logger.Warn().Str("memory", s).Msg("Unparseable memory value, treating as 0")
				return 0
			}
			return n * m.factor
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		log.Logger.Warn().Str("memory", s).Msg("Unparseable memory value, treating as 0")
		return 0
	}
	return n
}
