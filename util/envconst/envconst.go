// Package envconst provides tunables that are read from the environment once
// and cached for the lifetime of the process.
// Malformed values panic: they are operator errors that must not go unnoticed.
package envconst

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

var cache sync.Map

var report struct {
	mtx     sync.Mutex
	entries map[string]EntryReport
}

func get[T any](varname string, def T, parse func(string) (T, error)) T {
	if v, ok := cache.Load(varname); ok {
		return v.(T)
	}
	e := os.Getenv(varname)
	if e == "" {
		record(varname, def, true)
		return def
	}
	d, err := parse(e)
	if err != nil {
		panic(fmt.Sprintf("cannot parse environment variable %s=%q: %s", varname, e, err))
	}
	cache.Store(varname, d)
	record(varname, d, false)
	return d
}

type Report struct {
	Entries []EntryReport
}

type EntryReport struct {
	Var         string
	Value       string
	ValueGoType string
	Default     bool
}

func record(varname string, value interface{}, isDefault bool) {
	report.mtx.Lock()
	defer report.mtx.Unlock()
	if report.entries == nil {
		report.entries = make(map[string]EntryReport)
	}
	report.entries[varname] = EntryReport{
		Var:         varname,
		Value:       fmt.Sprintf("%v", value),
		ValueGoType: fmt.Sprintf("%T", value),
		Default:     isDefault,
	}
}

// GetReport lists every variable read so far, sorted by name.
func GetReport() *Report {
	report.mtx.Lock()
	defer report.mtx.Unlock()
	r := &Report{Entries: make([]EntryReport, 0, len(report.entries))}
	for _, e := range report.entries {
		r.Entries = append(r.Entries, e)
	}
	sort.Slice(r.Entries, func(i, j int) bool { return r.Entries[i].Var < r.Entries[j].Var })
	return r
}

func Duration(varname string, def time.Duration) time.Duration {
	return get(varname, def, time.ParseDuration)
}

func Int(varname string, def int) int {
	return get(varname, def, func(s string) (int, error) {
		d, err := strconv.ParseInt(s, 10, strconv.IntSize)
		return int(d), err
	})
}

func Int64(varname string, def int64) int64 {
	return get(varname, def, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func Bool(varname string, def bool) bool {
	return get(varname, def, strconv.ParseBool)
}

func String(varname string, def string) string {
	return get(varname, def, func(s string) (string, error) { return s, nil })
}
