package storage

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// Fingerprint hashes the fields that make two job definitions the same
// request: owner, target, method, headers, payload, schedule and timezone.
// Name and bookkeeping fields are excluded.
func Fingerprint(job *core.Job) string {
	d := xxhash.New()
	write := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}

	write(job.OrganizationID)
	write(job.ProjectID)
	write(strings.TrimSpace(job.TargetURL))
	method := strings.ToUpper(job.Method)
	if method == "" {
		method = "POST"
	}
	write(method)

	keys := make([]string, 0, len(job.Headers))
	for k := range job.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(strings.ToLower(k) + ":" + job.Headers[k])
	}

	_, _ = d.Write(job.Payload)
	_, _ = d.Write([]byte{0})

	sched, _ := json.Marshal(job.Schedule)
	_, _ = d.Write(sched)
	_, _ = d.Write([]byte{0})

	tz := job.Timezone
	if tz == "" {
		tz = "UTC"
	}
	write(tz)

	return strconv.FormatUint(d.Sum64(), 16)
}
